// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/noesis-ai/noesis/pkg/tools"
)

func TestClient_StreamableHTTP_ListTools(t *testing.T) {
	server := mcpserver.NewMCPServer("test-http", "1.0.0")
	server.AddTool(mcpgo.NewTool("ping"), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return &mcpgo.CallToolResult{
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}},
		}, nil
	})

	httpServer := mcpserver.NewTestStreamableHTTPServer(server)
	defer httpServer.Close()

	client, err := NewStreamableHTTPClientProtocol(httpServer.URL, mcpgo.LATEST_PROTOCOL_VERSION)
	if err != nil {
		t.Fatalf("NewStreamableHTTPClientProtocol error: %v", err)
	}
	defer client.Close()

	list, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if len(list) == 0 || list[0].Name != "ping" {
		t.Fatalf("Expected tool 'ping', got %+v", list)
	}
}

func TestServer_RegisterCapabilities_RoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	mustRegister(t, reg, tools.Capability{
		Name:        "echo",
		Description: "Echoes its message back.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"message": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"message"},
		},
		Tier: tools.TierLow,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			msg, _ := args["message"].(string)
			return "echo: " + msg, nil
		},
	})
	mustRegister(t, reg, tools.Capability{
		Name:        "wipe_disk",
		Description: "Destroys everything.",
		Tier:        tools.TierCritical,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			t.Error("critical tool must not be exported")
			return "", nil
		},
	})

	srv := NewServer("noesis-test", "0.1.0")
	srv.RegisterCapabilities(reg, tools.TierHigh)

	httpServer := mcpserver.NewTestStreamableHTTPServer(srv.mcpServer)
	defer httpServer.Close()

	client, err := NewStreamableHTTPClient(httpServer.URL)
	if err != nil {
		t.Fatalf("NewStreamableHTTPClient error: %v", err)
	}
	defer client.Close()

	list, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if len(list) != 1 || list[0].Name != "echo" {
		t.Fatalf("Expected only 'echo' exported, got %+v", list)
	}

	result, err := client.CallTool(context.Background(), "echo", map[string]interface{}{"message": "hi"})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error result %+v", result)
	}
	text := resultText(result)
	if !strings.Contains(text, "echo: hi") {
		t.Fatalf("Expected echoed text, got %q", text)
	}

	missing, err := client.CallTool(context.Background(), "echo", map[string]interface{}{})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if !missing.IsError {
		t.Fatalf("Expected validation error for missing required arg, got %+v", missing)
	}
}

func mustRegister(t *testing.T, reg *tools.Registry, cap tools.Capability) {
	t.Helper()
	if err := reg.Register(cap); err != nil {
		t.Fatalf("Register(%s): %v", cap.Name, err)
	}
}

func resultText(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, item := range result.Content {
		if content, ok := item.(mcpgo.TextContent); ok {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
