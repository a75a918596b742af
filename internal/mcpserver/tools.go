package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a hashed-timelock escrow by ID. Shows parties, locked legs with fees, "+
			"status, and the time windows in which each party may confirm or refund."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("32-byte escrow ID as hex (e.g. '0xab12...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription("List escrows where an address is sender or recipient, newest first."),
	mcp.WithString("agent_address",
		mcp.Description("Address to list for. Defaults to your own address.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolConfirmEscrow = mcp.NewTool("confirm_escrow",
	mcp.WithDescription(
		"Settle an escrow by revealing the hash pre-image. Funds go to the recipient minus fees. "+
			"Only works inside your confirm window; check get_escrow first. "+
			"The pre-image becomes public once confirmed."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID as hex")),
	mcp.WithString("preimage",
		mcp.Required(),
		mcp.Description("Secret whose Keccak-256 hash the escrow is locked to, as 0x hex")),
	mcp.WithBoolean("is_out",
		mcp.Description("Direction flag; must match the escrow's isOut value for relative locks")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Return an open escrow's funds to its sender once the refund time has passed. "+
			"Anyone may submit a refund."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID as hex")),
)

var ToolGetSwap = mcp.NewTool("get_swap",
	mcp.WithDescription("Look up a two-leg swap by ID, including its submit and confirm windows."),
	mcp.WithString("swap_id",
		mcp.Required(),
		mcp.Description("32-byte swap ID as hex")),
)

var ToolConfirmSwap = mcp.NewTool("confirm_swap",
	mcp.WithDescription(
		"Complete a swap as its counterparty: pays the destination leg from your balance "+
			"and releases the source leg to you."),
	mcp.WithString("swap_id",
		mcp.Required(),
		mcp.Description("Swap ID as hex")),
)

var ToolRefundSwap = mcp.NewTool("refund_swap",
	mcp.WithDescription("Return an open swap's source leg to its initiator after the refund time."),
	mcp.WithString("swap_id",
		mcp.Required(),
		mcp.Description("Swap ID as hex")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Show per-asset balances for an address. The native asset is the zero address."),
	mcp.WithString("agent_address",
		mcp.Description("Address to check. Defaults to your own address.")),
)

var ToolGetFeeSettings = mcp.NewTool("get_fee_settings",
	mcp.WithDescription("Show the fee rate in basis points, the fee recipient and per-asset fee caps."),
)
