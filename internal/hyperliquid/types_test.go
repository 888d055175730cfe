package hyperliquid

import (
	"encoding/json"
	"math"
	"testing"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		want  string
	}{
		{"five figure integer", 27123.456, "27123"},
		{"four figures one decimal", 1234.567, "1234.6"},
		{"sub-dollar price", 0.0012345678, "0.0012346"},
		{"round number stays clean", 100.0, "100"},
		{"near one", 1.23456789, "1.2346"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatPrice(tt.price)
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRoundToSigFigsHandlesNonFinite(t *testing.T) {
	if v := RoundToSigFigs(0, 5); v != 0 {
		t.Errorf("Expected 0, got %v", v)
	}
	if v := RoundToSigFigs(math.NaN(), 5); !math.IsNaN(v) {
		t.Errorf("Expected NaN passthrough, got %v", v)
	}
	if v := RoundToSigFigs(math.Inf(1), 5); !math.IsInf(v, 1) {
		t.Errorf("Expected +Inf passthrough, got %v", v)
	}
}

func TestTruncateSize(t *testing.T) {
	tests := []struct {
		name       string
		size       float64
		szDecimals int
		want       float64
	}{
		{"floor not round", 1.23456, 3, 1.234},
		{"float noise does not drop a tick", 0.29, 2, 0.29},
		{"zero decimals floors to integer", 0.9999, 0, 0},
		{"exact value unchanged", 5.0, 3, 5.0},
		{"another noise case", 8.2, 1, 8.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateSize(tt.size, tt.szDecimals)
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(1.23456, 3); got != "1.234" {
		t.Errorf("Expected %q, got %q", "1.234", got)
	}
	if got := FormatSize(0.29, 2); got != "0.29" {
		t.Errorf("Expected %q, got %q", "0.29", got)
	}
}

func TestWireCandleDecodesStringNumbers(t *testing.T) {
	raw := `{"t":1700000000000,"T":1700000899999,"s":"BTC","i":"15m",
		"o":"27000.0","c":"27150.5","h":"27200.1","l":"26950.3","v":"123.45","n":4210}`

	var c WireCandle
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if c.OpenTime != 1700000000000 {
		t.Errorf("Expected open time 1700000000000, got %d", c.OpenTime)
	}
	if c.Symbol != "BTC" || c.Interval != "15m" {
		t.Errorf("Expected BTC/15m, got %s/%s", c.Symbol, c.Interval)
	}
	if c.Open != 27000.0 || c.Close != 27150.5 || c.High != 27200.1 || c.Low != 26950.3 {
		t.Errorf("Unexpected OHLC: %v %v %v %v", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 123.45 || c.Trades != 4210 {
		t.Errorf("Expected volume 123.45 and 4210 trades, got %v and %d", c.Volume, c.Trades)
	}
}

func TestWsFillDecodesStringNumbers(t *testing.T) {
	raw := `{"coin":"ETH","px":"1850.5","sz":"0.5","side":"A","time":1700000000000,
		"oid":42,"fee":"0.23","closedPnl":"12.5","dir":"Close Long","crossed":true,"tid":7}`

	var f WsFill
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if f.Px != 1850.5 || f.Sz != 0.5 || f.Fee != 0.23 || f.ClosedPnl != 12.5 {
		t.Errorf("Unexpected numeric fields: %+v", f)
	}
	if f.Oid != 42 || f.Dir != "Close Long" {
		t.Errorf("Unexpected fill fields: %+v", f)
	}
}
