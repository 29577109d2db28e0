package mcp

import (
	"context"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/ledger"
	auth "taskmarket-backend/storage/auth"

	"github.com/mark3labs/mcp-go/server"
)

// MCPServer wraps the mcp-go server with marketplace business logic. Tools
// run as the configured operator wallet, so an MCP session has exactly the
// permissions of that identity.
type MCPServer struct {
	mcpServer *server.MCPServer
	market    *core.Marketplace
	tokens    *ledger.Ledger
	wallet    string
}

// NewMCPServer creates a new MCP server using the mcp-go library.
func NewMCPServer(market *core.Marketplace, tokens *ledger.Ledger, wallet string) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Task Marketplace MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		market:    market,
		tokens:    tokens,
		wallet:    wallet,
	}

	s.registerTools()

	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// registerTools registers all MCP tools with the server.
func (s *MCPServer) registerTools() {
	// Task lifecycle tools
	s.registerPostTaskTool()
	s.registerListTasksTool()
	s.registerGetTaskTool()
	s.registerSubmitBidTool()
	s.registerListBidsTool()
	s.registerAcceptBidTool()
	s.registerStartWorkTool()
	s.registerSubmitWorkTool()
	s.registerApproveWorkTool()
	s.registerCancelTaskTool()

	// Dispute tools
	s.registerRaiseDisputeTool()
	s.registerResolveDisputeTool()
	s.registerGetDisputeTool()

	// Platform tools
	s.registerGetConfigTool()
	s.registerUpdateFeeTool()
	s.registerBalanceTool()
}

// callerContext binds the operator wallet into ctx so operations authorize
// against it.
func (s *MCPServer) callerContext(ctx context.Context) context.Context {
	return auth.WithCaller(ctx, s.wallet)
}
