package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/obridge/internal/escrow"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/settings"
	"github.com/mbd888/obridge/internal/settlement"
	"github.com/mbd888/obridge/internal/swap"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow describes an escrow and its windows.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	var resp struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError("Failed to parse escrow response"), nil
	}
	return mcp.NewToolResultText(formatEscrow(resp.Escrow, h.now(ctx))), nil
}

func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr := req.GetString("agent_address", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, addr, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	var resp struct {
		Escrows []*escrow.Escrow `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("Failed to parse escrow list"), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s [%s] %s -> %s, %s\n", i+1, e.ID, e.Status, e.From.Hex(), e.To.Hex(), formatLegs(e.Legs))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleConfirmEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	preimage := req.GetString("preimage", "")
	if id == "" || preimage == "" {
		return mcp.NewToolResultError("escrow_id and preimage are required"), nil
	}
	if !strings.HasPrefix(preimage, "0x") {
		preimage = "0x" + preimage
	}

	raw, err := h.client.ConfirmEscrow(ctx, id, preimage, req.GetBool("is_out", false))
	if err != nil {
		return mcp.NewToolResultError(explain("confirm escrow", err)), nil
	}
	return mcp.NewToolResultText("Escrow confirmed.\n\n" + formatJSON(raw)), nil
}

func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.RefundEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(explain("refund escrow", err)), nil
	}
	return mcp.NewToolResultText("Escrow refunded to sender.\n\n" + formatJSON(raw)), nil
}

func (h *Handlers) HandleGetSwap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("swap_id", "")
	if id == "" {
		return mcp.NewToolResultError("swap_id is required"), nil
	}
	raw, err := h.client.GetSwap(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get swap: %v", err)), nil
	}
	var resp struct {
		Swap *swap.Swap `json:"swap"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Swap == nil {
		return mcp.NewToolResultError("Failed to parse swap response"), nil
	}
	return mcp.NewToolResultText(formatSwap(resp.Swap, h.now(ctx))), nil
}

func (h *Handlers) HandleConfirmSwap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("swap_id", "")
	if id == "" {
		return mcp.NewToolResultError("swap_id is required"), nil
	}
	raw, err := h.client.ConfirmSwap(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(explain("confirm swap", err)), nil
	}
	return mcp.NewToolResultText("Swap confirmed.\n\n" + formatJSON(raw)), nil
}

func (h *Handlers) HandleRefundSwap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("swap_id", "")
	if id == "" {
		return mcp.NewToolResultError("swap_id is required"), nil
	}
	raw, err := h.client.RefundSwap(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(explain("refund swap", err)), nil
	}
	return mcp.NewToolResultText("Swap refunded to initiator.\n\n" + formatJSON(raw)), nil
}

func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalances(ctx, req.GetString("agent_address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	var resp struct {
		Balances []struct {
			Asset  common.Address `json:"asset"`
			Amount string         `json:"amount"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("Failed to parse balances"), nil
	}
	if len(resp.Balances) == 0 {
		return mcp.NewToolResultText("No balances."), nil
	}

	var sb strings.Builder
	sb.WriteString("Balances:\n")
	for _, b := range resp.Balances {
		fmt.Fprintf(&sb, "  %s: %s\n", assetName(b.Asset), b.Amount)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleGetFeeSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSettings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settings: %v", err)), nil
	}
	var resp struct {
		Settings settings.Settings `json:"settings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("Failed to parse settings"), nil
	}

	var sb strings.Builder
	st := resp.Settings
	fmt.Fprintf(&sb, "Fee rate: %d bp (%.2f%%)\n", st.FeeRateBp, float64(st.FeeRateBp)/100)
	fmt.Fprintf(&sb, "Fee recipient: %s\n", st.FeeRecipient.Hex())
	fmt.Fprintf(&sb, "Admin: %s\n", st.Admin.Hex())

	// Caps are best effort; the rate alone is still useful.
	if raw, err := h.client.ListTokens(ctx); err == nil {
		var tokens struct {
			Tokens []settings.TokenSettings `json:"tokens"`
		}
		if json.Unmarshal(raw, &tokens) == nil && len(tokens.Tokens) > 0 {
			sb.WriteString("Fee caps:\n")
			for _, t := range tokens.Tokens {
				fmt.Fprintf(&sb, "  %s: %d\n", assetName(t.Asset), t.MaxFee)
			}
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// now returns the server clock, or -1 when it cannot be read.
func (h *Handlers) now(ctx context.Context) int64 {
	n, err := h.client.Now(ctx)
	if err != nil {
		return -1
	}
	return n
}

// explain adds a hint for the lifecycle errors an agent can act on.
func explain(action string, err error) string {
	msg := fmt.Sprintf("Failed to %s: %v", action, err)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return msg
	}
	switch apiErr.Code {
	case "deadline_exceeded":
		msg += "\nHint: the current time is outside your window. Use get_escrow or get_swap to see the windows."
	case "not_refundable":
		msg += "\nHint: the refund time has not been reached yet."
	case "preimage_mismatch":
		msg += "\nHint: the pre-image does not hash to the escrow's lock."
	case "escrow_closed", "swap_closed":
		msg += "\nHint: it has already been confirmed or refunded."
	}
	return msg
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

func formatEscrow(e *escrow.Escrow, now int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", e.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", e.Status)
	fmt.Fprintf(&sb, "  From: %s\n  To:   %s\n", e.From.Hex(), e.To.Hex())
	fmt.Fprintf(&sb, "  Legs: %s\n", formatLegs(e.Legs))
	if len(e.Preimage) > 0 {
		fmt.Fprintf(&sb, "  Pre-image: %s\n", e.Preimage)
	}
	if now >= 0 {
		fmt.Fprintf(&sb, "  Server time: %d\n", now)
	}

	switch {
	case e.Relative != nil:
		r := *e.Relative
		sb.WriteString("  Lock: relative\n")
		fmt.Fprintf(&sb, "    hash %s\n", r.Hash)
		if w, err := r.Window(lock.StepConfirm, true, e.IsOut); err == nil {
			fmt.Fprintf(&sb, "    sender confirm: %s\n", formatWindow(w, now))
		}
		if w, err := r.Window(lock.StepConfirm, false, e.IsOut); err == nil {
			fmt.Fprintf(&sb, "    counterparty confirm: %s\n", formatWindow(w, now))
		}
	case e.Absolute != nil:
		sb.WriteString("  Lock: absolute\n")
		for i, d := range e.Absolute.Deadlines() {
			w := lock.Window{Start: lock.Unbounded, End: d.Deadline}
			fmt.Fprintf(&sb, "    lock%d %s: %s\n", i+1, d.Hash, formatWindow(w, now))
		}
	}
	fmt.Fprintf(&sb, "  Refundable from: %d%s\n", e.RefundAt, refundState(e.RefundAt, now, false))
	return sb.String()
}

func formatSwap(s *swap.Swap, now int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Swap %s\n", s.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", s.Status)
	fmt.Fprintf(&sb, "  From: %s\n  To:   %s\n", s.From.Hex(), s.To.Hex())
	fmt.Fprintf(&sb, "  Gives: %s\n", formatLegs([]settlement.Leg{s.Src}))
	fmt.Fprintf(&sb, "  Wants: %s\n", formatLegs([]settlement.Leg{s.Dst}))
	if w, err := s.Lock.ConfirmWindow(); err == nil {
		fmt.Fprintf(&sb, "  Confirm: %s\n", formatWindow(w, now))
	}
	fmt.Fprintf(&sb, "  Refundable after: %d%s\n", s.RefundAt, refundState(s.RefundAt, now, true))
	return sb.String()
}

func formatLegs(legs []settlement.Leg) string {
	parts := make([]string, 0, len(legs))
	for _, l := range legs {
		parts = append(parts, fmt.Sprintf("%d %s (fee %d)", l.Amount, assetName(l.Asset), l.Fee))
	}
	return strings.Join(parts, ", ")
}

func formatWindow(w lock.Window, now int64) string {
	var s string
	if w.Start == lock.Unbounded {
		s = fmt.Sprintf("until %d", w.End)
	} else {
		s = fmt.Sprintf("%d..%d", w.Start, w.End)
	}
	switch {
	case now < 0:
	case w.Contains(now):
		s += " (open now)"
	case now > w.End:
		s += " (closed)"
	default:
		s += " (not yet open)"
	}
	return s
}

// refundState annotates a refund boundary. Swaps refund strictly after it.
func refundState(at, now int64, strict bool) string {
	if now < 0 {
		return ""
	}
	if now > at || (!strict && now == at) {
		return " (refundable now)"
	}
	return ""
}

func assetName(a common.Address) string {
	if a == (common.Address{}) {
		return "native"
	}
	return a.Hex()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
