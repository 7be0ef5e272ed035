package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription(
		"List metered billing sessions for a merchant or a user. "+
			"Shows status, rate, tick count, and the amount accrued so far. "+
			"Provide exactly one of merchant_id or user_id."),
	mcp.WithString("merchant_id",
		mcp.Description("List sessions billed by this merchant")),
	mcp.WithString("user_id",
		mcp.Description("List sessions owned by this user")),
	mcp.WithString("status",
		mcp.Description("Filter by session status"),
		mcp.Enum("active", "paused_low_balance", "stopped", "paid")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 50)")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Get one metered session by ID: status, rate, tick count, accrued amount, "+
			"and timestamps. Use list_sessions first if you don't know the ID."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'ses_...')")),
)

var ToolGetSessionLedger = mcp.NewTool("get_session_ledger",
	mcp.WithDescription(
		"Show the per-tick debit entries recorded for a session, newest first. "+
			"Useful for auditing what a session actually charged."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'ses_...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolStopSession = mcp.NewTool("stop_session",
	mcp.WithDescription(
		"Stop a user's running session with a merchant and settle the final "+
			"amount from the user's wallet. Returns the settled payment and receipt. "+
			"Stopping an already-stopped session is a no-op."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user whose session should stop")),
	mcp.WithString("merchant_id",
		mcp.Required(),
		mcp.Description("The merchant the session is running against")),
	mcp.WithString("reason",
		mcp.Description("Why the session is being stopped (default 'admin')"),
		mcp.Enum("user_request", "merchant_request", "admin")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a user's wallet balance: current balance plus lifetime totals "+
			"credited in and debited out."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user whose wallet to inspect")),
)

var ToolCreditWallet = mcp.NewTool("credit_wallet",
	mcp.WithDescription(
		"Credit a user's wallet directly, bypassing the payment provider. "+
			"Intended for support adjustments and refunds. Pass a reference to "+
			"make the credit idempotent: reusing a reference is rejected."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user to credit")),
	mcp.WithNumber("amount_cents",
		mcp.Required(),
		mcp.Description("Amount to credit, in cents (e.g. 500 for $5.00)")),
	mcp.WithString("reference",
		mcp.Description("Idempotency reference (e.g. a support ticket ID)")),
)

var ToolGetTariff = mcp.NewTool("get_tariff",
	mcp.WithDescription(
		"Get a merchant's rate card: default per-minute rate, per-category "+
			"overrides, and the start-probe amount."),
	mcp.WithString("merchant_id",
		mcp.Required(),
		mcp.Description("The merchant whose tariff to fetch")),
)

var ToolRunReconcile = mcp.NewTool("run_reconcile",
	mcp.WithDescription(
		"Run a reconcile pass now instead of waiting for the timer: checks "+
			"session totals against the ledger, sweeps stale sessions, and flags "+
			"stuck payments. Returns the resulting report."),
)
