package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paymeter", "1.0.0")
	client := NewPaymeterClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolGetSessionLedger, h.HandleGetSessionLedger)
	s.AddTool(ToolStopSession, h.HandleStopSession)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolCreditWallet, h.HandleCreditWallet)
	s.AddTool(ToolGetTariff, h.HandleGetTariff)
	s.AddTool(ToolRunReconcile, h.HandleRunReconcile)

	return s
}
