package models

import (
	"regexp"
	"strings"
)

// QuoteEntry is one element of a snapshot or quote event payload.
type QuoteEntry struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp int64     `json:"timestamp"` // unix milli, server assigned
	Sparkline []float64 `json:"sparkline"`
}

// Quote is the latest known market data for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	PrevPrice *float64  `json:"prev_price"` // nil on first observation or after a snapshot
	Volume    int64     `json:"volume"`
	Timestamp int64     `json:"timestamp"`
	Sparkline []float64 `json:"sparkline"` // oldest first
}

// Clone returns a deep copy so callers never share slices with the cache.
func (q Quote) Clone() Quote {
	out := q
	if q.PrevPrice != nil {
		p := *q.PrevPrice
		out.PrevPrice = &p
	}
	if q.Sparkline != nil {
		out.Sparkline = append([]float64(nil), q.Sparkline...)
	}
	return out
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// ValidSymbol reports whether s is a normalized ticker such as AAPL or BRK.B.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// DefaultDashboardSymbols are the index ETFs and exchange stocks shown on the dashboard.
var DefaultDashboardSymbols = []string{
	"DIA", "SPY", "QQQ", "IWM",
	"JPM", "GS", "V", "JNJ", "WMT",
	"AAPL", "MSFT", "GOOGL", "AMZN", "META",
	"TSLA", "NVDA", "BRK.B", "UNH", "XOM",
}
