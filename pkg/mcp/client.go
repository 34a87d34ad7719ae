// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp connects the tool registry to Model Context Protocol servers.
// The client wrapper adds per-request timeouts, bounded retries, and a short
// tool-discovery cache on top of the raw mcp-go client; the server side
// exposes registered capabilities to remote MCP consumers.
package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/noesis-ai/noesis/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second
)

// ClientOption customizes the client wrapper behavior.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and backoff.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.maxRetries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client wraps an mcp-go client with retry, timeout, and discovery caching.
// It satisfies tools.MCPCaller so remote tools can be registered as
// capabilities.
type Client struct {
	mcpClient  client.MCPClient
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	cacheTTL   time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an already connected MCP client implementation.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	wrapped := &Client{
		mcpClient:  c,
		timeout:    defaultTimeout,
		maxRetries: defaultRetries,
		backoff:    defaultBackoff,
		cacheTTL:   defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(wrapped)
	}
	return wrapped
}

// NewStdioClient starts command as a subprocess and speaks MCP over its
// stdin/stdout.
func NewStdioClient(command string, args []string, opts ...ClientOption) (*Client, error) {
	return NewStdioClientProtocol(command, args, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewStdioClientProtocol is NewStdioClient pinned to a protocol version.
func NewStdioClientProtocol(command string, args []string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	stdioClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	if err := stdioClient.Start(context.Background()); err != nil {
		return nil, err
	}
	if err := initialize(stdioClient, protocolVersion); err != nil {
		_ = stdioClient.Close()
		return nil, err
	}
	return NewClient(stdioClient, opts...), nil
}

// NewStreamableHTTPClient connects to an MCP server over streamable HTTP.
func NewStreamableHTTPClient(baseURL string, opts ...ClientOption) (*Client, error) {
	return NewStreamableHTTPClientProtocol(baseURL, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewStreamableHTTPClientProtocol is NewStreamableHTTPClient pinned to a
// protocol version.
func NewStreamableHTTPClientProtocol(baseURL string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	httpClient, err := client.NewStreamableHttpClient(baseURL)
	if err != nil {
		return nil, err
	}
	if err := httpClient.Start(context.Background()); err != nil {
		return nil, err
	}
	if err := initialize(httpClient, protocolVersion); err != nil {
		_ = httpClient.Close()
		return nil, err
	}
	return NewClient(httpClient, opts...), nil
}

func initialize(c client.MCPClient, protocolVersion string) error {
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "noesis",
		Version: "0.1.0",
	}
	_, err := c.Initialize(ctx, req)
	return err
}

// ListTools retrieves the tools available on the server, served from the
// discovery cache while it is fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	resp, err := withRetry(ctx, c, func(reqCtx context.Context) (*mcp.ListToolsResult, error) {
		return c.mcpClient.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	return withRetry(ctx, c, func(reqCtx context.Context) (*mcp.CallToolResult, error) {
		return c.mcpClient.CallTool(reqCtx, req)
	})
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

// withRetry runs fn under the per-request timeout, retrying transport errors
// with exponential backoff. Context cancellation is never retried.
func withRetry[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	cfg := resilience.RetryConfig{
		MaxAttempts:  c.maxRetries + 1,
		InitialDelay: c.backoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		IsRecoverable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}

	var result T
	err := cfg.Do(ctx, func() error {
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()
		var fnErr error
		result, fnErr = fn(reqCtx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
