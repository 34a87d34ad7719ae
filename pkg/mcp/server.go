// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/noesis-ai/noesis/pkg/tools"
)

// Server exposes registered capabilities to remote MCP consumers. Critical
// tier tools are never exported: remote callers bypass the session approval
// channel, so anything requiring explicit confirmation stays local.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with no tools attached.
func NewServer(name, version string) *Server {
	return &Server{
		mcpServer: server.NewMCPServer(name, version),
	}
}

// RegisterTool registers a single tool with the server.
func (s *Server) RegisterTool(name, description string, schema map[string]interface{}, handler func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))
	if schema != nil {
		if raw, err := json.Marshal(schema); err == nil {
			tool = mcp.NewToolWithRawSchema(name, description, raw)
		}
	}

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		return handler(ctx, args)
	})
}

// RegisterCapabilities exports the registry's tools at or below maxTier.
// Invocations route through the registry so argument validation still applies.
func (s *Server) RegisterCapabilities(reg *tools.Registry, maxTier tools.Tier) {
	for _, def := range reg.Definitions() {
		name := def.Function.Name
		if tierRank(reg.TierOf(name)) > tierRank(maxTier) {
			continue
		}
		params, _ := def.Function.Parameters.(map[string]interface{})
		s.RegisterTool(name, def.Function.Description, params, capabilityHandler(reg, name))
	}
}

func capabilityHandler(reg *tools.Registry, name string) func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args for %s: %w", name, err)
		}
		obs := reg.Invoke(ctx, name, string(raw))
		if obs.IsError {
			return mcp.NewToolResultError(obs.Content), nil
		}
		return mcp.NewToolResultText(obs.Content), nil
	}
}

// ServeStdio serves MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// StreamableHTTPServer returns an HTTP server for this MCP server. Callers
// own its lifecycle.
func (s *Server) StreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func tierRank(tier tools.Tier) int {
	switch tier {
	case tools.TierLow:
		return 0
	case tools.TierMedium:
		return 1
	case tools.TierHigh:
		return 2
	default:
		return 3
	}
}
