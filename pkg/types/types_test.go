package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTicksRoundTrip(t *testing.T) {
	t.Parallel()
	ts := NewTickSpec(2, 8)

	price := decimal.RequireFromString("50.10")
	ticks := ts.Ticks(price)
	if ticks != 5010 {
		t.Errorf("Ticks(50.10) = %d, want 5010", ticks)
	}
	if !ts.Price(ticks).Equal(price) {
		t.Errorf("Price(%d) = %s, want %s", ticks, ts.Price(ticks), price)
	}
}

func TestTicksQuantizesOffGrid(t *testing.T) {
	t.Parallel()
	ts := NewTickSpec(2, 8)

	// 50.104 and 50.096 both land on tick 5010
	for _, raw := range []string{"50.104", "50.096"} {
		if got := ts.Ticks(decimal.RequireFromString(raw)); got != 5010 {
			t.Errorf("Ticks(%s) = %d, want 5010", raw, got)
		}
	}
}

func TestZoneKeyBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ticks, zoneTicks, want int64
	}{
		{0, 10, 0},
		{9, 10, 0},
		{10, 10, 1}, // exact boundary starts the next zone
		{19, 10, 1},
		{-1, 10, -1}, // floor, not truncation
		{-10, 10, -1},
	}
	for _, tt := range tests {
		if got := ZoneKey(tt.ticks, tt.zoneTicks); got != tt.want {
			t.Errorf("ZoneKey(%d, %d) = %d, want %d", tt.ticks, tt.zoneTicks, got, tt.want)
		}
	}
}

func TestAggressorSide(t *testing.T) {
	t.Parallel()

	sell := AggressiveTrade{BuyerIsMaker: true}
	if sell.AggressorSide() != SELL {
		t.Error("buyerIsMaker=true should be an aggressive SELL")
	}
	buy := AggressiveTrade{BuyerIsMaker: false}
	if buy.AggressorSide() != BUY {
		t.Error("buyerIsMaker=false should be an aggressive BUY")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite must flip sides")
	}
}
