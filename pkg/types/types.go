// Package types defines the canonical market-data model shared by every
// component: subscription keys, modes, normalized ticks and the client
// wire protocol.
package types

import (
	"fmt"
	"time"
)

// Mode is the subscription depth of a canonical key.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeQuote Mode = "QUOTE"
	ModeDepth Mode = "DEPTH"
)

// Valid reports whether m is a known subscription mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeDepth:
		return true
	}
	return false
}

// CanonicalKey identifies one subscribable stream. It is comparable and
// used as a map key everywhere; the same (symbol, exchange) under two
// modes is two distinct keys.
type CanonicalKey struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     Mode   `json:"mode"`
}

func (k CanonicalKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Exchange, k.Symbol, k.Mode)
}

// SymbolRef is a (symbol, exchange) pair as it appears in client
// subscribe/unsubscribe requests, before a mode is attached.
type SymbolRef struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Key attaches a mode to the reference.
func (r SymbolRef) Key(mode Mode) CanonicalKey {
	return CanonicalKey{Symbol: r.Symbol, Exchange: r.Exchange, Mode: mode}
}

// DepthLevel is a single price level in the order book, at most five per
// side on the wire.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// MaxDepthLevels bounds each side of a depth tick.
const MaxDepthLevels = 5

// Quote carries the OHLCV fields of a QUOTE-mode tick.
type Quote struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Depth carries both book sides of a DEPTH-mode tick.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is a normalized market-data update. Mode selects the variant:
// every tick carries LTP; Quote is non-nil for QUOTE, Depth for DEPTH.
// Timestamp is the broker timestamp, or arrival time when the broker
// omits one.
type Tick struct {
	Symbol    string
	Exchange  string
	Mode      Mode
	LTP       float64
	Quote     *Quote
	Depth     *Depth
	Timestamp time.Time
}

// Key returns the canonical key this tick belongs to.
func (t *Tick) Key() CanonicalKey {
	return CanonicalKey{Symbol: t.Symbol, Exchange: t.Exchange, Mode: t.Mode}
}

// Truncate clamps depth sides to MaxDepthLevels.
func (t *Tick) Truncate() {
	if t.Depth == nil {
		return
	}
	if len(t.Depth.Buy) > MaxDepthLevels {
		t.Depth.Buy = t.Depth.Buy[:MaxDepthLevels]
	}
	if len(t.Depth.Sell) > MaxDepthLevels {
		t.Depth.Sell = t.Depth.Sell[:MaxDepthLevels]
	}
}

// ConnState is the lifecycle state of one physical broker connection.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnResubscribing
	ConnReconnecting
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnResubscribing:
		return "RESUBSCRIBING"
	case ConnReconnecting:
		return "RECONNECTING"
	case ConnFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
