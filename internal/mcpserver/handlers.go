package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sigilhq/sigil/internal/policy"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SigilClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SigilClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAccount looks up an account record.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleDecodePolicy decodes a policy blob locally.
func (h *Handlers) HandleDecodePolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hexBlob := req.GetString("policy", "")
	if hexBlob == "" {
		return mcp.NewToolResultError("policy is required"), nil
	}

	blob, err := hexutil.Decode(hexBlob)
	if err != nil {
		// An empty blob means the open policy; "0x" decodes to nil already,
		// so only genuinely bad hex lands here.
		return mcp.NewToolResultError(fmt.Sprintf("Invalid policy hex: %v", err)), nil
	}

	p, err := policy.Decode(blob)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Malformed policy: %v", err)), nil
	}

	return mcp.NewToolResultText(describePolicy(p)), nil
}

// HandleRecoveryStatus shows the passkey roster.
func (h *Handlers) HandleRecoveryStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetRecoveryStatus(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get recovery status: %v", err)), nil
	}

	text, err := formatRecoveryStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse recovery status: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleServiceHealth reports service health.
func (h *Handlers) HandleServiceHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetHealth(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Health check failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatAccount(raw []byte) (string, error) {
	m, err := unmarshalObject(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Account:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", getString(m, "address"))
	fmt.Fprintf(&sb, "  Credential: %s\n", getString(m, "credentialId"))

	if nonce, err := hexutil.DecodeUint64(getString(m, "nonce")); err == nil {
		fmt.Fprintf(&sb, "  Nonce: %d\n", nonce)
	}

	fmt.Fprintf(&sb, "  Policy: %s", getString(m, "policyKind"))
	if blobHex := getString(m, "policy"); blobHex != "" && blobHex != "0x" {
		if blob, err := hexutil.Decode(blobHex); err == nil {
			if p, err := policy.Decode(blob); err == nil {
				fmt.Fprintf(&sb, " (%s)", describePolicy(p))
			}
		}
	}
	sb.WriteString("\n")

	if v, ok := getFloat(m, "createdAt"); ok {
		fmt.Fprintf(&sb, "  Created: %s\n", time.Unix(int64(v), 0).UTC().Format(time.RFC3339))
	}

	return sb.String(), nil
}

func describePolicy(p policy.Policy) string {
	switch p.Kind {
	case policy.KindOpen:
		return "open: any correctly signed action is allowed"
	case policy.KindSpendingLimit:
		return fmt.Sprintf("spending limit: single actions capped at %d units", p.MaxAmount)
	case policy.KindDailyLimit:
		return fmt.Sprintf("daily limit: actions capped at %d units per transaction", p.MaxAmount)
	case policy.KindTimeLocked:
		return fmt.Sprintf("time locked: no actions before %s",
			time.Unix(p.UnlockAt, 0).UTC().Format(time.RFC3339))
	case policy.KindMultiSig:
		return fmt.Sprintf("multi-sig: requires approval from all %d signers", len(p.Signers))
	default:
		return "unknown policy kind"
	}
}

func formatRecoveryStatus(raw []byte) (string, error) {
	m, err := unmarshalObject(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Recovery status:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", getString(m, "address"))

	threshold, _ := getFloat(m, "threshold")
	enabled, _ := getFloat(m, "enabled")
	fmt.Fprintf(&sb, "  Threshold: %.0f of %.0f enabled passkeys\n", threshold, enabled)

	if eligible, ok := m["eligible"].(bool); ok {
		if eligible {
			sb.WriteString("  Eligible: yes, the account can be recovered without the primary passkey\n")
		} else {
			sb.WriteString("  Eligible: no, not enough enabled passkeys to meet the threshold\n")
		}
	}

	passkeys, _ := m["passkeys"].([]any)
	if len(passkeys) > 0 {
		sb.WriteString("  Passkeys:\n")
		for i, item := range passkeys {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := getString(entry, "name")
			if name == "" {
				name = "(unnamed)"
			}
			state := "disabled"
			if v, ok := entry["enabled"].(bool); ok && v {
				state = "enabled"
			}
			role := ""
			if v, ok := entry["primary"].(bool); ok && v {
				role = ", primary"
			}
			fmt.Fprintf(&sb, "    %d. %s [%s%s] %s\n", i+1, name, state, role, getString(entry, "credentialId"))
		}
	}

	return sb.String(), nil
}

func unmarshalObject(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map.
func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map.
func getFloat(m map[string]any, key string) (float64, bool) {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}
