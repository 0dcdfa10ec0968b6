package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeValid(t *testing.T) {
	assert.True(t, ModeLTP.Valid())
	assert.True(t, ModeQuote.Valid())
	assert.True(t, ModeDepth.Valid())
	assert.False(t, Mode("").Valid())
	assert.False(t, Mode("ltp").Valid(), "modes are case sensitive")
}

func TestCanonicalKeyString(t *testing.T) {
	k := CanonicalKey{Symbol: "RELIANCE", Exchange: "NSE", Mode: ModeDepth}
	assert.Equal(t, "NSE.RELIANCE.DEPTH", k.String())
}

func TestSymbolRefKey(t *testing.T) {
	ref := SymbolRef{Symbol: "TCS", Exchange: "BSE"}
	k := ref.Key(ModeQuote)
	assert.Equal(t, CanonicalKey{Symbol: "TCS", Exchange: "BSE", Mode: ModeQuote}, k)
}

func TestTruncateCapsDepth(t *testing.T) {
	levels := make([]DepthLevel, 8)
	tick := &Tick{
		Mode:  ModeDepth,
		Depth: &Depth{Buy: levels, Sell: levels[:3]},
	}
	tick.Truncate()
	assert.Len(t, tick.Depth.Buy, MaxDepthLevels)
	assert.Len(t, tick.Depth.Sell, 3)

	// Nil depth must not panic.
	(&Tick{Mode: ModeLTP}).Truncate()
}

func TestFrameLTP(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	tick := &Tick{Symbol: "INFY", Exchange: "NSE", Mode: ModeLTP, LTP: 1543.25, Timestamp: ts}

	frame, ok := tick.Frame().(LTPFrame)
	require.True(t, ok)
	assert.Equal(t, 1543.25, frame.LTP)
	assert.Equal(t, int64(1700000000123), frame.Timestamp)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"mode":"LTP","symbol":"INFY","exchange":"NSE","ltp":1543.25,"timestamp":1700000000123}`,
		string(data))
}

func TestFrameQuote(t *testing.T) {
	tick := &Tick{
		Symbol: "SBIN", Exchange: "NSE", Mode: ModeQuote, LTP: 601.1,
		Quote:     &Quote{Open: 600, High: 605, Low: 598, Close: 599, Volume: 12345},
		Timestamp: time.UnixMilli(1),
	}

	frame, ok := tick.Frame().(QuoteFrame)
	require.True(t, ok)
	assert.Equal(t, 605.0, frame.High)
	assert.Equal(t, int64(12345), frame.Volume)
}

func TestFrameQuoteNilQuoteIsZeroed(t *testing.T) {
	tick := &Tick{Symbol: "X", Exchange: "NSE", Mode: ModeQuote, LTP: 10}
	frame, ok := tick.Frame().(QuoteFrame)
	require.True(t, ok)
	assert.Zero(t, frame.Open)
	assert.Equal(t, 10.0, frame.LTP)
}

func TestFrameDepthEmptySidesAreArrays(t *testing.T) {
	tick := &Tick{Symbol: "HDFC", Exchange: "NSE", Mode: ModeDepth, LTP: 1500}

	frame, ok := tick.Frame().(DepthFrame)
	require.True(t, ok)
	require.NotNil(t, frame.Depth.Buy)
	require.NotNil(t, frame.Depth.Sell)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"buy":[]`)
	assert.Contains(t, string(data), `"sell":[]`)
}

func TestTickKey(t *testing.T) {
	tick := &Tick{Symbol: "NIFTY", Exchange: "NFO", Mode: ModeQuote}
	assert.Equal(t, CanonicalKey{Symbol: "NIFTY", Exchange: "NFO", Mode: ModeQuote}, tick.Key())
}

func TestErrorAck(t *testing.T) {
	ack := ErrorAck("boom")
	assert.Equal(t, StatusError, ack.Status)
	assert.Equal(t, "boom", ack.Message)

	data, err := json.Marshal(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","message":"boom"}`, string(data))
}

func TestAckOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Ack{Status: StatusAuthenticated})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"authenticated"}`, string(data))
}

// A subscribe ack carries count even when every symbol failed; auth and
// error acks never carry it.
func TestSubscriptionAckAlwaysCarriesCount(t *testing.T) {
	data, err := json.Marshal(Ack{
		Status: StatusSubscribed,
		Errors: []SymbolError{{Symbol: "BOGUS", Exchange: "NSE", Message: "unknown"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"subscribed","count":0,"errors":[{"symbol":"BOGUS","exchange":"NSE","message":"unknown"}]}`, string(data))

	data, err = json.Marshal(Ack{Status: StatusUnsubscribed, Count: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"unsubscribed","count":2}`, string(data))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", ConnConnected.String())
	assert.Equal(t, "RESUBSCRIBING", ConnResubscribing.String())
	assert.Equal(t, "UNKNOWN", ConnState(99).String())
}
