package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Sigil MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccount = mcp.NewTool("get_account",
	mcp.WithDescription(
		"Look up a Sigil account by its base58 address. "+
			"Returns the registered passkey credential, current nonce, and the active "+
			"authorization policy. Use this to inspect an account before proposing actions."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account's base58 address")),
)

var ToolDecodePolicy = mcp.NewTool("decode_policy",
	mcp.WithDescription(
		"Decode a hex-encoded Sigil policy blob into a human-readable rule. "+
			"Explains what the policy allows: spending limits, time locks, or "+
			"multi-signature requirements. Works offline, no account lookup needed."),
	mcp.WithString("policy",
		mcp.Required(),
		mcp.Description("The policy bytes as 0x-prefixed hex (from a get_account result)")),
)

var ToolRecoveryStatus = mcp.NewTool("recovery_status",
	mcp.WithDescription(
		"Show the passkey roster for a Sigil account: which credentials are enabled, "+
			"which is primary, the recovery threshold, and whether the account could "+
			"currently be recovered if the primary passkey were lost."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account's base58 address")),
)

var ToolServiceHealth = mcp.NewTool("service_health",
	mcp.WithDescription(
		"Check whether the Sigil service and its dependencies (database) are healthy."),
)
