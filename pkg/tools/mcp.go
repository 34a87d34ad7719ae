package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCPCaller abstracts MCP tool execution so the registry does not depend on a
// specific transport.
type MCPCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// RegisterMCPTools registers remote MCP tools as capabilities. Tiers come
// from the supplied mapping; tools absent from it get defaultTier. Remote
// tools default to high unless the tier table says otherwise, since the
// process has no visibility into what they do.
func RegisterMCPTools(reg *Registry, caller MCPCaller, mcpTools []mcp.Tool, tiers map[string]Tier, defaultTier Tier) error {
	if caller == nil {
		return fmt.Errorf("mcp caller is required")
	}
	if defaultTier == "" {
		defaultTier = TierHigh
	}

	for _, tool := range mcpTools {
		tier, ok := tiers[tool.Name]
		if !ok {
			tier = defaultTier
		}
		cap := Capability{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  mcpParameters(tool),
			Tier:        tier,
			Handler:     mcpHandler(caller, tool.Name),
		}
		if err := reg.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

func mcpHandler(caller MCPCaller, name string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		result, err := caller.CallTool(ctx, name, args)
		if err != nil {
			return "", err
		}
		return mcpResultText(result)
	}
}

func mcpParameters(tool mcp.Tool) map[string]interface{} {
	if tool.RawInputSchema != nil {
		var params map[string]interface{}
		if err := json.Unmarshal(tool.RawInputSchema, &params); err == nil {
			return params
		}
	}

	params := map[string]interface{}{"type": "object"}
	if tool.InputSchema.Type != "" {
		params["type"] = tool.InputSchema.Type
	}
	if len(tool.InputSchema.Properties) > 0 {
		params["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		params["required"] = tool.InputSchema.Required
	}
	return params
}

func mcpResultText(result *mcp.CallToolResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("mcp tool result is nil")
	}
	text := extractTextContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("mcp tool returned error: %s", text)
	}
	if result.StructuredContent != nil {
		encoded, err := json.Marshal(result.StructuredContent)
		if err == nil {
			return string(encoded), nil
		}
	}
	return text, nil
}

func extractTextContent(items []mcp.Content) string {
	var out string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			out += content.Text
		case *mcp.TextContent:
			out += content.Text
		}
	}
	return out
}
