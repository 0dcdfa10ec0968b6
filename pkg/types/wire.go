package types

import "encoding/json"

// Client wire protocol. Shapes here are a compatibility contract with
// downstream SDKs; field names and casing must not change.

// Request is any inbound client command.
type Request struct {
	Action  string      `json:"action"`
	APIKey  string      `json:"api_key,omitempty"`
	Symbols []SymbolRef `json:"symbols,omitempty"`
	Mode    Mode        `json:"mode,omitempty"`
}

// Request actions.
const (
	ActionAuthenticate = "authenticate"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
)

// SymbolError reports a per-symbol failure inside a batch that otherwise
// succeeded.
type SymbolError struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Message  string `json:"message"`
}

// Ack is the response to authenticate/subscribe/unsubscribe requests.
// Count and Errors are only populated for subscription acks.
type Ack struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Count   int           `json:"count"`
	Errors  []SymbolError `json:"errors,omitempty"`
}

// MarshalJSON emits count only on subscription acks, where the wire
// contract requires it even when zero.
func (a Ack) MarshalJSON() ([]byte, error) {
	type ackJSON struct {
		Status  string        `json:"status"`
		Message string        `json:"message,omitempty"`
		Count   *int          `json:"count,omitempty"`
		Errors  []SymbolError `json:"errors,omitempty"`
	}
	out := ackJSON{Status: a.Status, Message: a.Message, Errors: a.Errors}
	if a.Status == StatusSubscribed || a.Status == StatusUnsubscribed {
		out.Count = &a.Count
	}
	return json.Marshal(out)
}

// Ack statuses.
const (
	StatusAuthenticated = "authenticated"
	StatusSubscribed    = "subscribed"
	StatusUnsubscribed  = "unsubscribed"
	StatusError         = "error"
)

// ErrorAck builds an error response.
func ErrorAck(msg string) Ack {
	return Ack{Status: StatusError, Message: msg}
}

// LTPFrame is the outbound tick shape for LTP mode.
type LTPFrame struct {
	Mode      Mode    `json:"mode"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LTP       float64 `json:"ltp"`
	Timestamp int64   `json:"timestamp"`
}

// QuoteFrame is the outbound tick shape for QUOTE mode.
type QuoteFrame struct {
	Mode      Mode    `json:"mode"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LTP       float64 `json:"ltp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// DepthFrame is the outbound tick shape for DEPTH mode.
type DepthFrame struct {
	Mode      Mode    `json:"mode"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LTP       float64 `json:"ltp"`
	Depth     Depth   `json:"depth"`
	Timestamp int64   `json:"timestamp"`
}

// Frame returns the wire representation of the tick, one of LTPFrame,
// QuoteFrame or DepthFrame.
func (t *Tick) Frame() interface{} {
	ts := t.Timestamp.UnixMilli()
	switch t.Mode {
	case ModeQuote:
		f := QuoteFrame{
			Mode:      t.Mode,
			Symbol:    t.Symbol,
			Exchange:  t.Exchange,
			LTP:       t.LTP,
			Timestamp: ts,
		}
		if t.Quote != nil {
			f.Open = t.Quote.Open
			f.High = t.Quote.High
			f.Low = t.Quote.Low
			f.Close = t.Quote.Close
			f.Volume = t.Quote.Volume
		}
		return f
	case ModeDepth:
		f := DepthFrame{
			Mode:      t.Mode,
			Symbol:    t.Symbol,
			Exchange:  t.Exchange,
			LTP:       t.LTP,
			Timestamp: ts,
		}
		if t.Depth != nil {
			f.Depth = *t.Depth
		}
		if f.Depth.Buy == nil {
			f.Depth.Buy = []DepthLevel{}
		}
		if f.Depth.Sell == nil {
			f.Depth.Sell = []DepthLevel{}
		}
		return f
	default:
		return LTPFrame{
			Mode:      t.Mode,
			Symbol:    t.Symbol,
			Exchange:  t.Exchange,
			LTP:       t.LTP,
			Timestamp: ts,
		}
	}
}

// Event is a non-tick push frame: broker status changes and slow
// consumer warnings.
type Event struct {
	Type    string `json:"type"`
	Broker  string `json:"broker,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Dropped int64  `json:"dropped,omitempty"`
}

// Event types.
const (
	EventBrokerStatus = "broker_status"
	EventWarning      = "warning"
)
