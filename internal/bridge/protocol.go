package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

// Message types on the worker's stdout.
const (
	TypePriceUpdate = "price_update"
	TypeTradeUpdate = "trade_update"
	TypeStatus      = "status"
	TypeHeartbeat   = "heartbeat"
)

// Diagnostic markers written by the stream worker.
const (
	diagInfoPrefix  = "[NODE_STREAM_INFO]"
	diagErrorPrefix = "[NODE_STREAM_ERROR]"
	diagConnected   = "[LS Status]: CONNECTED"
	diagDisconnect  = "DISCONNECTED"
)

// MessageKind classifies one line of worker output.
type MessageKind int

const (
	KindDiagnostic MessageKind = iota
	KindPrice
	KindTrade
	KindStatus
	KindHeartbeat
	KindUnknown
)

// Message is one decoded protocol line.
type Message struct {
	Kind   MessageKind
	Type   string
	Tick   domain.PriceTick
	Trade  domain.TradeUpdate
	Status string // CONNECTED, DISCONNECTED, ... for status messages
	Text   string // raw line for diagnostics
}

type envelope struct {
	Type        string          `json:"type"`
	Epic        string          `json:"epic"`
	Bid         json.Number     `json:"bid"`
	Offer       json.Number     `json:"offer"`
	Time        json.RawMessage `json:"time"`
	MarketState string          `json:"market_state"`
	Subtype     string          `json:"subtype"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
}

type tradePayload struct {
	DealID        string          `json:"dealId"`
	DealReference string          `json:"dealReference"`
	DealStatus    string          `json:"dealStatus"`
	Status        string          `json:"status"`
	Direction     string          `json:"direction"`
	Level         json.Number     `json:"level"`
	StopLevel     json.RawMessage `json:"stopLevel"`
}

// Decode classifies and parses one output line. Lines that are not JSON objects are diagnostics.
// now is used when a price update carries no usable time.
func Decode(line []byte, now time.Time) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return Message{Kind: KindDiagnostic, Text: string(trimmed)}, nil
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ports.ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypePriceUpdate:
		return decodePrice(env, now)
	case TypeTradeUpdate:
		return decodeTrade(env, now)
	case TypeStatus:
		return Message{Kind: KindStatus, Type: env.Type, Status: strings.ToUpper(env.Status)}, nil
	case TypeHeartbeat:
		return Message{Kind: KindHeartbeat, Type: env.Type}, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ports.ErrMalformedMessage)
	default:
		return Message{Kind: KindUnknown, Type: env.Type, Text: string(trimmed)}, nil
	}
}

func decodePrice(env envelope, now time.Time) (Message, error) {
	if env.Epic == "" {
		return Message{}, fmt.Errorf("%w: price_update without epic", ports.ErrMalformedMessage)
	}
	bid, err := env.Bid.Float64()
	if err != nil {
		return Message{}, fmt.Errorf("%w: bid %q", ports.ErrMalformedMessage, env.Bid)
	}
	offer, err := env.Offer.Float64()
	if err != nil {
		return Message{}, fmt.Errorf("%w: offer %q", ports.ErrMalformedMessage, env.Offer)
	}
	tick := domain.PriceTick{
		Epic:        env.Epic,
		Bid:         bid,
		Offer:       offer,
		Timestamp:   parseTime(env.Time, now),
		MarketState: env.MarketState,
	}
	if !tick.IsValid() {
		return Message{}, fmt.Errorf("%w: non-positive quote bid=%v offer=%v", ports.ErrMalformedMessage, bid, offer)
	}
	return Message{Kind: KindPrice, Type: env.Type, Tick: tick}, nil
}

func decodeTrade(env envelope, now time.Time) (Message, error) {
	kind := domain.TradeUpdateKind(strings.ToLower(env.Subtype))
	if kind != domain.TradeUpdateConfirm && kind != domain.TradeUpdateOPU {
		return Message{}, fmt.Errorf("%w: trade_update subtype %q", ports.ErrMalformedMessage, env.Subtype)
	}

	raw := env.Payload
	// The worker may forward the broker's payload as a JSON-encoded string.
	var asString string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &asString); err != nil {
			return Message{}, fmt.Errorf("%w: payload: %w", ports.ErrMalformedMessage, err)
		}
		raw = json.RawMessage(asString)
	}

	var p tradePayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Message{}, fmt.Errorf("%w: payload: %w", ports.ErrMalformedMessage, err)
	}

	upd := domain.TradeUpdate{
		Kind:          kind,
		DealID:        p.DealID,
		DealReference: p.DealReference,
		DealStatus:    strings.ToUpper(p.DealStatus),
		Status:        strings.ToUpper(p.Status),
		Direction:     p.Direction,
		Raw:           append(json.RawMessage(nil), raw...),
		ReceivedAt:    now,
	}
	if lvl, err := p.Level.Float64(); err == nil {
		upd.Level = lvl
	}
	if stop, ok := parseOptionalFloat(p.StopLevel); ok {
		upd.StopLevel = &stop
	}
	return Message{Kind: KindTrade, Type: env.Type, Trade: upd}, nil
}

func parseOptionalFloat(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseTime accepts epoch milliseconds, RFC3339, or an HH:MM:SS wall clock for today.
func parseTime(raw json.RawMessage, now time.Time) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return now
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("15:04:05", s, now.Location()); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
	}
	return now
}

// ClassifyDiagnostic maps a diagnostic line to a log level and connection hint.
// connected is true for a CONNECTED status line, disconnected for a DISCONNECTED one.
func ClassifyDiagnostic(line string) (level string, text string, connected, disconnected bool) {
	switch {
	case strings.Contains(line, diagInfoPrefix):
		text = strings.TrimSpace(strings.Replace(line, diagInfoPrefix, "", 1))
		connected = strings.Contains(line, diagConnected)
		disconnected = !connected && strings.Contains(line, diagDisconnect)
		return "info", text, connected, disconnected
	case strings.Contains(line, diagErrorPrefix):
		text = strings.TrimSpace(strings.Replace(line, diagErrorPrefix, "", 1))
		return "error", text, false, strings.Contains(line, diagDisconnect)
	default:
		return "debug", line, false, false
	}
}

type priceOut struct {
	Type        string  `json:"type"`
	Epic        string  `json:"epic"`
	Bid         float64 `json:"bid"`
	Offer       float64 `json:"offer"`
	Time        int64   `json:"time,omitempty"`
	MarketState string  `json:"market_state,omitempty"`
}

// EncodePrice renders tick as a price_update line that Decode reads back.
// A zero timestamp is left out so the reader stamps its own receive time.
func EncodePrice(tick domain.PriceTick) ([]byte, error) {
	if !tick.IsValid() {
		return nil, fmt.Errorf("%w: non-positive quote bid=%v offer=%v", ports.ErrInvalidRequest, tick.Bid, tick.Offer)
	}
	out := priceOut{Type: TypePriceUpdate, Epic: tick.Epic, Bid: tick.Bid, Offer: tick.Offer, MarketState: tick.MarketState}
	if !tick.Timestamp.IsZero() {
		out.Time = tick.Timestamp.UnixMilli()
	}
	return json.Marshal(out)
}

// EncodeHeartbeat returns a heartbeat line.
func EncodeHeartbeat() []byte {
	return []byte(`{"type":"` + TypeHeartbeat + `"}`)
}
