package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing escrow and swap tools.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("obridge", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolConfirmEscrow, h.HandleConfirmEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolGetSwap, h.HandleGetSwap)
	s.AddTool(ToolConfirmSwap, h.HandleConfirmSwap)
	s.AddTool(ToolRefundSwap, h.HandleRefundSwap)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetFeeSettings, h.HandleGetFeeSettings)

	return s
}
