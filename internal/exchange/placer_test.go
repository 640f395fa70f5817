package exchange

import (
	"context"
	"testing"
	"time"

	"bracketarb/pkg/types"
)

func TestDirectPlacerPlaceLimitDryRun(t *testing.T) {
	t.Parallel()

	p := NewDirectPlacer(newDryRunClient())
	orderID, raw, err := p.PlaceLimit(context.Background(), types.UserOrder{
		TokenID: "tok1", Price: dec("0.5"), Size: dec("10"), Side: types.BUY,
		OrderType: types.OrderTypeGTC, TickSize: types.Tick001,
	})
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	if orderID == "" {
		t.Error("expected a non-empty dry-run order id")
	}
	if raw == "" {
		t.Error("expected a non-empty raw response blob")
	}
}

func TestDirectPlacerWaitUntilFilledDryRun(t *testing.T) {
	t.Parallel()

	p := NewDirectPlacer(newDryRunClient())
	filled, last, err := p.WaitUntilFilled(context.Background(), "dry-run-0", dec("10"), time.Second)
	if err != nil {
		t.Fatalf("WaitUntilFilled: %v", err)
	}
	if !filled {
		t.Errorf("expected dry-run order to report filled immediately, got status %q", last.Status)
	}
}

func TestDirectPlacerCancelDryRun(t *testing.T) {
	t.Parallel()

	p := NewDirectPlacer(newDryRunClient())
	if err := p.Cancel(context.Background(), "dry-run-0"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}
