package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PaymeterClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PaymeterClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListSessions lists sessions for a merchant or user.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	merchantID := req.GetString("merchant_id", "")
	userID := req.GetString("user_id", "")
	if (merchantID == "") == (userID == "") {
		return mcp.NewToolResultError("provide exactly one of merchant_id or user_id"), nil
	}
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListSessions(ctx, merchantID, userID, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSession returns one session by ID.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	text, err := formatSessionDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSessionLedger shows a session's debit entries.
func (h *Handlers) HandleGetSessionLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetSessionLedger(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger: %v", err)), nil
	}

	text, err := formatLedger(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleStopSession stops and settles a user's running session.
func (h *Handlers) HandleStopSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	merchantID := req.GetString("merchant_id", "")
	if merchantID == "" {
		return mcp.NewToolResultError("merchant_id is required"), nil
	}
	reason := req.GetString("reason", "admin")

	raw, err := h.client.StopSession(ctx, userID, merchantID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop session: %v", err)), nil
	}

	text, err := formatStopOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse outcome: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a user's wallet balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreditWallet credits a user's wallet directly.
func (h *Handlers) HandleCreditWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	amountCents := int64(req.GetInt("amount_cents", 0))
	if amountCents <= 0 {
		return mcp.NewToolResultError("amount_cents must be a positive integer"), nil
	}
	reference := req.GetString("reference", "")

	raw, err := h.client.CreditWallet(ctx, userID, amountCents, reference)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to credit wallet: %v", err)), nil
	}

	var resp struct {
		Balance map[string]any `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Balance == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Credited %s to %s.", formatCents(amountCents), userID)), nil
	}

	newBalance, _ := getFloat(resp.Balance, "balanceCents")
	return mcp.NewToolResultText(fmt.Sprintf(
		"Credited %s to %s.\nNew balance: %s",
		formatCents(amountCents), userID, formatCents(int64(newBalance)))), nil
}

// HandleGetTariff returns a merchant's rate card.
func (h *Handlers) HandleGetTariff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	merchantID := req.GetString("merchant_id", "")
	if merchantID == "" {
		return mcp.NewToolResultError("merchant_id is required"), nil
	}

	raw, err := h.client.GetTariff(ctx, merchantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tariff: %v", err)), nil
	}

	text, err := formatTariff(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tariff: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRunReconcile triggers an immediate reconcile pass.
func (h *Handlers) HandleRunReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunReconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconcile failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Reconcile report:\n" + formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatSessionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected sessions response format")
	}
	if len(resp.Sessions) == 0 {
		return "No sessions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d session(s):\n\n", len(resp.Sessions))
	for i, s := range resp.Sessions {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(s, "id"), getString(s, "status"))
		fmt.Fprintf(&sb, "   User: %s | Merchant: %s\n", getString(s, "userId"), getString(s, "merchantId"))
		rate, _ := getFloat(s, "rateCentsPerMin")
		accrued, _ := getFloat(s, "accumulatedCents")
		ticks, _ := getFloat(s, "tickSeq")
		fmt.Fprintf(&sb, "   Rate: %s/min | Ticks: %.0f | Accrued: %s\n",
			formatCents(int64(rate)), ticks, formatCents(int64(accrued)))
		if i < len(resp.Sessions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatSessionDetail(raw json.RawMessage) (string, error) {
	var resp struct {
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Session == nil {
		return "", fmt.Errorf("unexpected session response format")
	}
	s := resp.Session

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", getString(s, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(s, "status"))
	fmt.Fprintf(&sb, "  User: %s\n", getString(s, "userId"))
	fmt.Fprintf(&sb, "  Merchant: %s\n", getString(s, "merchantId"))
	if v := getString(s, "category"); v != "" {
		fmt.Fprintf(&sb, "  Category: %s\n", v)
	}
	if rate, ok := getFloat(s, "rateCentsPerMin"); ok {
		fmt.Fprintf(&sb, "  Rate: %s/min\n", formatCents(int64(rate)))
	}
	if ticks, ok := getFloat(s, "tickSeq"); ok {
		fmt.Fprintf(&sb, "  Ticks: %.0f\n", ticks)
	}
	if accrued, ok := getFloat(s, "accumulatedCents"); ok {
		fmt.Fprintf(&sb, "  Accrued: %s\n", formatCents(int64(accrued)))
	}
	if final, ok := getFloat(s, "finalAmountCents"); ok && final > 0 {
		fmt.Fprintf(&sb, "  Final amount: %s\n", formatCents(int64(final)))
	}
	if v := getString(s, "stopReason"); v != "" {
		fmt.Fprintf(&sb, "  Stop reason: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Started: %s\n", getString(s, "startedAt"))
	if v := getString(s, "stoppedAt"); v != "" {
		fmt.Fprintf(&sb, "  Stopped: %s\n", v)
	}
	return sb.String(), nil
}

func formatLedger(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected ledger response format")
	}
	if len(resp.Entries) == 0 {
		return "No ledger entries for this session.", nil
	}

	var sb strings.Builder
	var total int64
	fmt.Fprintf(&sb, "%d ledger entr%s:\n\n", len(resp.Entries), plural(len(resp.Entries), "y", "ies"))
	for _, e := range resp.Entries {
		amount, _ := getFloat(e, "amountCents")
		total += int64(amount)
		seq, hasSeq := getFloat(e, "seq")
		if hasSeq {
			fmt.Fprintf(&sb, "  #%.0f %s  %s  %s\n",
				seq, getString(e, "type"), formatCents(int64(amount)), getString(e, "createdAt"))
		} else {
			fmt.Fprintf(&sb, "  %s  %s  %s\n",
				getString(e, "type"), formatCents(int64(amount)), getString(e, "createdAt"))
		}
	}
	fmt.Fprintf(&sb, "\nTotal shown: %s", formatCents(total))
	if resp.HasMore {
		sb.WriteString(" (more entries exist; raise the limit to see them)")
	}
	return sb.String(), nil
}

func formatStopOutcome(raw json.RawMessage) (string, error) {
	var resp struct {
		Session map[string]any `json:"session"`
		Payment map[string]any `json:"payment"`
		Receipt map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Session == nil {
		return "", fmt.Errorf("unexpected settlement response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s stopped.\n", getString(resp.Session, "id"))
	if final, ok := getFloat(resp.Session, "finalAmountCents"); ok {
		fmt.Fprintf(&sb, "Final amount: %s\n", formatCents(int64(final)))
	}
	if resp.Payment != nil {
		fmt.Fprintf(&sb, "Payment: %s [%s] via %s rail\n",
			getString(resp.Payment, "id"),
			getString(resp.Payment, "status"),
			getString(resp.Payment, "rail"))
	}
	if resp.Receipt != nil {
		fmt.Fprintf(&sb, "Receipt: %s\n", getString(resp.Receipt, "id"))
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance map[string]any `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Balance == nil {
		return "", fmt.Errorf("unexpected balance response format")
	}
	b := resp.Balance

	balance, _ := getFloat(b, "balanceCents")
	totalIn, _ := getFloat(b, "totalInCents")
	totalOut, _ := getFloat(b, "totalOutCents")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet for %s:\n", getString(b, "userId"))
	fmt.Fprintf(&sb, "  Balance: %s\n", formatCents(int64(balance)))
	fmt.Fprintf(&sb, "  Total in: %s\n", formatCents(int64(totalIn)))
	fmt.Fprintf(&sb, "  Total out: %s\n", formatCents(int64(totalOut)))
	return sb.String(), nil
}

func formatTariff(raw json.RawMessage) (string, error) {
	var resp struct {
		Tariff map[string]any `json:"tariff"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Tariff == nil {
		return "", fmt.Errorf("unexpected tariff response format")
	}
	t := resp.Tariff

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tariff for %s (%s):\n", getString(t, "merchantId"), getString(t, "currency"))
	if rate, ok := getFloat(t, "defaultRateCentsPerMin"); ok {
		fmt.Fprintf(&sb, "  Default rate: %s/min\n", formatCents(int64(rate)))
	}
	if probe, ok := getFloat(t, "probeAmountCents"); ok && probe > 0 {
		fmt.Fprintf(&sb, "  Probe amount: %s\n", formatCents(int64(probe)))
	}
	if cats, ok := t["categories"].(map[string]any); ok && len(cats) > 0 {
		sb.WriteString("  Categories:\n")
		for name, v := range cats {
			if rate, ok := v.(float64); ok {
				fmt.Fprintf(&sb, "    %s: %s/min\n", name, formatCents(int64(rate)))
			}
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// formatCents renders an integer cent amount as a dollar string.
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
