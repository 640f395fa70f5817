package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bracketarb/internal/placer"
	"bracketarb/pkg/types"
)

// DirectPlacer adapts Client to placer.OrderPlacer: the direct-CLOB backend,
// and the only backend this module ships.
type DirectPlacer struct {
	client       *Client
	pollInterval time.Duration
}

// NewDirectPlacer wraps client as a placer.OrderPlacer.
func NewDirectPlacer(client *Client) *DirectPlacer {
	return &DirectPlacer{client: client, pollInterval: placer.DefaultPollInterval}
}

var _ placer.OrderPlacer = (*DirectPlacer)(nil)

// PlaceLimit places a single GTC limit order and returns its exchange order
// ID plus the raw response blob, serialized as JSON for storage.
func (p *DirectPlacer) PlaceLimit(ctx context.Context, order types.UserOrder) (string, string, error) {
	resp, err := p.client.PlaceLimit(ctx, order)
	if err != nil {
		return "", "", fmt.Errorf("place limit: %w", err)
	}
	if !resp.Success {
		return "", "", fmt.Errorf("place limit rejected: %s", resp.ErrorMsg)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return resp.OrderID, "", fmt.Errorf("marshal order response: %w", err)
	}
	return resp.OrderID, string(raw), nil
}

// WaitUntilFilled polls GetOrder every pollInterval until the order looks
// filled, reaches a terminal non-fill state, the deadline elapses, or ctx
// is cancelled.
func (p *DirectPlacer) WaitUntilFilled(ctx context.Context, orderID string, targetSize decimal.Decimal, timeout time.Duration) (bool, types.OpenOrder, error) {
	deadline := time.Now().Add(timeout)
	var last types.OpenOrder

	for time.Now().Before(deadline) {
		order, err := p.client.GetOrder(ctx, orderID)
		if err != nil {
			return false, last, fmt.Errorf("get order: %w", err)
		}
		last = *order

		if placer.OrderLooksFilled(last, targetSize) {
			return true, last, nil
		}
		switch last.Status {
		case "CANCELED", "CANCELLED", "REJECTED", "FAILED":
			return false, last, nil
		}

		select {
		case <-ctx.Done():
			return false, last, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
	return false, last, nil
}

// Cancel best-effort cancels an order.
func (p *DirectPlacer) Cancel(ctx context.Context, orderID string) error {
	_, err := p.client.CancelOrders(ctx, []string{orderID})
	return err
}

// GetOrder fetches current order state.
func (p *DirectPlacer) GetOrder(ctx context.Context, orderID string) (types.OpenOrder, error) {
	order, err := p.client.GetOrder(ctx, orderID)
	if err != nil {
		return types.OpenOrder{}, err
	}
	return *order, nil
}
