package mcp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	core "taskmarket-backend/core/marketplace"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerPostTaskTool creates a tool for posting a new task.
func (s *MCPServer) registerPostTaskTool() {
	tool := mcp.NewTool("post_task",
		mcp.WithDescription("Post a new task as the operator wallet"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Required(), mcp.Description("Task description")),
		mcp.WithNumber("budget", mcp.Required(), mcp.Description("Indicative budget in token units")),
		mcp.WithString("deadline", mcp.Description("Deadline (ISO 8601 format)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		title, err := request.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := request.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		budget := toInt64(args["budget"])

		deadline := time.Now().AddDate(0, 1, 0)
		if raw := toString(args["deadline"]); raw != "" {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				deadline = parsed
			}
		}

		id, err := s.market.PostTask(s.callerContext(ctx), s.wallet, title, description, budget, deadline)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to post task: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Task posted with id %d", id)), nil
	})
}

// registerListTasksTool creates a tool for listing tasks.
func (s *MCPServer) registerListTasksTool() {
	tool := mcp.NewTool("list_tasks",
		mcp.WithDescription("List marketplace tasks with optional status filtering"),
		mcp.WithString("status", mcp.Description("Filter by task status (open, assigned, in_progress, under_review, completed, disputed, cancelled)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		status := core.TaskStatus(toString(args["status"]))
		tasks, err := s.market.ListTasks(ctx, status)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}

		result := map[string]interface{}{
			"tasks":       tasks,
			"total_count": len(tasks),
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%+v", len(tasks), result)), nil
	})
}

// registerGetTaskTool creates a tool for getting a specific task.
func (s *MCPServer) registerGetTaskTool() {
	tool := mcp.NewTool("get_task",
		mcp.WithDescription("Get details of a specific task"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		task, err := s.market.GetTask(ctx, toUint64(args["task_id"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Task details:\n\n%+v", task)), nil
	})
}

// registerSubmitBidTool creates a tool for bidding on an open task.
func (s *MCPServer) registerSubmitBidTool() {
	tool := mcp.NewTool("submit_bid",
		mcp.WithDescription("Submit a bid on an open task as the operator wallet"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task to bid on")),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Bid amount in token units")),
		mcp.WithString("proposal", mcp.Description("Proposal text")),
		mcp.WithNumber("delivery_time_days", mcp.Description("Promised delivery time in days")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		taskID := toUint64(args["task_id"])
		amount := toInt64(args["amount"])
		proposal := toString(args["proposal"])
		days := toUint64(args["delivery_time_days"])

		if err := s.market.SubmitBid(s.callerContext(ctx), taskID, s.wallet, amount, proposal, days); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit bid: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Bid of %d submitted on task %d", amount, taskID)), nil
	})
}

// registerListBidsTool creates a tool for listing the bids on a task.
func (s *MCPServer) registerListBidsTool() {
	tool := mcp.NewTool("list_bids",
		mcp.WithDescription("List the bids on a task, oldest first"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		bids, err := s.market.GetBids(ctx, toUint64(args["task_id"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list bids: %v", err)), nil
		}

		result := map[string]interface{}{
			"bids":        bids,
			"total_count": len(bids),
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d bids:\n\n%+v", len(bids), result)), nil
	})
}

// registerAcceptBidTool creates a tool for accepting a freelancer's bid.
func (s *MCPServer) registerAcceptBidTool() {
	tool := mcp.NewTool("accept_bid",
		mcp.WithDescription("Accept a freelancer's bid and escrow the bid amount"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("freelancer", mcp.Required(), mcp.Description("Wallet address of the freelancer whose bid to accept")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		freelancer, err := request.RequireString("freelancer")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskID := toUint64(args["task_id"])

		if err := s.market.AcceptBid(s.callerContext(ctx), taskID, freelancer); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to accept bid: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Bid from %s accepted on task %d, funds escrowed", freelancer, taskID)), nil
	})
}

// registerStartWorkTool creates a tool for starting work on an assigned task.
func (s *MCPServer) registerStartWorkTool() {
	tool := mcp.NewTool("start_work",
		mcp.WithDescription("Start work on an assigned task as the operator wallet"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := toUint64(args["task_id"])

		if err := s.market.StartWork(s.callerContext(ctx), taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start work: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Work started on task %d", taskID)), nil
	})
}

// registerSubmitWorkTool creates a tool for submitting completed work.
func (s *MCPServer) registerSubmitWorkTool() {
	tool := mcp.NewTool("submit_work",
		mcp.WithDescription("Submit completed work for review as the operator wallet"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := toUint64(args["task_id"])

		if err := s.market.SubmitWork(s.callerContext(ctx), taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit work: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Work on task %d submitted for review", taskID)), nil
	})
}

// registerApproveWorkTool creates a tool for approving submitted work.
func (s *MCPServer) registerApproveWorkTool() {
	tool := mcp.NewTool("approve_work",
		mcp.WithDescription("Approve submitted work and release escrow minus the platform fee"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := toUint64(args["task_id"])

		if err := s.market.ApproveWork(s.callerContext(ctx), taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to approve work: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Work on task %d approved, escrow released", taskID)), nil
	})
}

// registerCancelTaskTool creates a tool for cancelling an open task.
func (s *MCPServer) registerCancelTaskTool() {
	tool := mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel an open task as its employer"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := toUint64(args["task_id"])

		if err := s.market.CancelTask(s.callerContext(ctx), taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Task %d cancelled", taskID)), nil
	})
}

// registerRaiseDisputeTool creates a tool for raising a dispute.
func (s *MCPServer) registerRaiseDisputeTool() {
	tool := mcp.NewTool("raise_dispute",
		mcp.WithDescription("Raise a dispute on an active task as the operator wallet"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Reason for the dispute")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		reason, err := request.RequireString("reason")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskID := toUint64(args["task_id"])

		if err := s.market.RaiseDispute(s.callerContext(ctx), taskID, s.wallet, reason); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to raise dispute: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Dispute raised on task %d", taskID)), nil
	})
}

// registerResolveDisputeTool creates a tool for resolving a dispute.
func (s *MCPServer) registerResolveDisputeTool() {
	tool := mcp.NewTool("resolve_dispute",
		mcp.WithDescription("Resolve a dispute as the platform admin, splitting escrow between employer and freelancer"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithNumber("employer_pct", mcp.Required(), mcp.Description("Percentage of escrow returned to the employer (0-100)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		taskID := toUint64(args["task_id"])
		employerPct := uint32(toInt64(args["employer_pct"]))

		if err := s.market.ResolveDispute(s.callerContext(ctx), taskID, employerPct); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Dispute on task %d resolved with %d%% to the employer", taskID, employerPct)), nil
	})
}

// registerGetDisputeTool creates a tool for inspecting a dispute.
func (s *MCPServer) registerGetDisputeTool() {
	tool := mcp.NewTool("get_dispute",
		mcp.WithDescription("Get the dispute recorded for a task"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("ID of task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		dispute, err := s.market.GetDispute(ctx, toUint64(args["task_id"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Dispute details:\n\n%+v", dispute)), nil
	})
}

// registerGetConfigTool creates a tool for reading platform configuration.
func (s *MCPServer) registerGetConfigTool() {
	tool := mcp.NewTool("get_config",
		mcp.WithDescription("Get platform fee and task count"),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feeBps, err := s.market.GetPlatformFee(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get config: %v", err)), nil
		}
		count, err := s.market.GetTaskCount(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get config: %v", err)), nil
		}

		result := map[string]interface{}{
			"platform_fee_bps": feeBps,
			"task_count":       count,
			"custody_account":  s.market.Custody(),
		}

		return mcp.NewToolResultText(fmt.Sprintf("Platform config:\n\n%+v", result)), nil
	})
}

// registerUpdateFeeTool creates a tool for updating the platform fee.
func (s *MCPServer) registerUpdateFeeTool() {
	tool := mcp.NewTool("update_platform_fee",
		mcp.WithDescription("Update the platform fee rate as the admin"),
		mcp.WithNumber("platform_fee_bps", mcp.Required(), mcp.Description("New fee in basis points (max 10000)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		feeBps := uint32(toInt64(args["platform_fee_bps"]))

		if err := s.market.UpdatePlatformFee(s.callerContext(ctx), feeBps); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update fee: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Platform fee updated to %d bps", feeBps)), nil
	})
}

// registerBalanceTool creates a tool for checking ledger balances.
func (s *MCPServer) registerBalanceTool() {
	tool := mcp.NewTool("get_balance",
		mcp.WithDescription("Get the ledger balance of an account (defaults to the operator wallet)"),
		mcp.WithString("account", mcp.Description("Account to query")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		account := toString(args["account"])
		if account == "" {
			account = s.wallet
		}

		result := map[string]interface{}{
			"account": account,
			"balance": s.tokens.Balance(account),
			"asset":   s.tokens.Asset(),
		}

		return mcp.NewToolResultText(fmt.Sprintf("Balance:\n\n%+v", result)), nil
	})
}

// Helper function to convert interface{} to string
func toString(val interface{}) string {
	if val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", val)
}

// Helper function to convert interface{} to int64
func toInt64(val interface{}) int64 {
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	if str, ok := val.(string); ok {
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// Helper function to convert interface{} to uint64
func toUint64(val interface{}) uint64 {
	n := toInt64(val)
	if n < 0 {
		return 0
	}
	return uint64(n)
}
