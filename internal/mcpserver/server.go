package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Sigil tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sigil", "1.0.0")
	client := NewSigilClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetAccount, h.HandleGetAccount)
	s.AddTool(ToolDecodePolicy, h.HandleDecodePolicy)
	s.AddTool(ToolRecoveryStatus, h.HandleRecoveryStatus)
	s.AddTool(ToolServiceHealth, h.HandleServiceHealth)

	return s
}
