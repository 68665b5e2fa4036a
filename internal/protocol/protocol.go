// Package protocol defines the WebSocket message envelopes exchanged with
// clients. Inbound messages are decoded into a closed set of types and
// validated before dispatch.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/security"
)

// Message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeHeartbeat         = "heartbeat"
	TypeSubscribeEvents   = "subscribe_events"
	TypeUnsubscribeEvents = "unsubscribe_events"

	TypeWelcome            = "welcome"
	TypeAuthenticated      = "authenticated"
	TypeSubscribed         = "subscribed"
	TypeUnsubscribed       = "unsubscribed"
	TypeMarketData         = "market_data"
	TypeError              = "error"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeEventsSubscribed   = "events_subscribed"
	TypeEventsUnsubscribed = "events_unsubscribed"
	TypeEvent              = "event"
)

// Close codes sent to clients.
const (
	CloseAuthFailed     = 4001
	CloseAuthTimeout    = 4002
	CloseInactive       = 4008
	CloseRateLimited    = 4029
	CloseTryAgainLater  = 1013
	CloseNormal         = 1000
	CloseServerShutdown = 1001
)

// DefaultMaxSymbols bounds one subscribe/unsubscribe batch.
const DefaultMaxSymbols = 50

// Inbound is a decoded client message.
type Inbound interface {
	inbound()
}

// Authenticate carries a bearer token sent as the first message.
type Authenticate struct {
	Token string
}

// Subscribe requests market data for symbols.
type Subscribe struct {
	Symbols []string
}

// Unsubscribe stops market data for symbols.
type Unsubscribe struct {
	Symbols []string
}

// Heartbeat keeps the connection alive.
type Heartbeat struct{}

// SubscribeEvents subscribes to domain-event topics.
type SubscribeEvents struct {
	Topics []events.Topic
	Filter events.Filter
}

// UnsubscribeEvents cancels topic subscriptions. No topics means all.
type UnsubscribeEvents struct {
	Topics []events.Topic
}

func (Authenticate) inbound()      {}
func (Subscribe) inbound()         {}
func (Unsubscribe) inbound()       {}
func (Heartbeat) inbound()         {}
func (SubscribeEvents) inbound()   {}
func (UnsubscribeEvents) inbound() {}

// envelope is the wire form of every inbound message.
type envelope struct {
	Type    string         `json:"type"`
	Token   string         `json:"token,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Symbols []string       `json:"symbols,omitempty"`
	Topics  []string       `json:"topics,omitempty"`
	Filter  *events.Filter `json:"filter,omitempty"`
}

// Decoder validates inbound frames.
type Decoder struct {
	MaxSymbols int
}

// NewDecoder creates a decoder with the given batch bound.
func NewDecoder(maxSymbols int) *Decoder {
	if maxSymbols <= 0 {
		maxSymbols = DefaultMaxSymbols
	}
	return &Decoder{MaxSymbols: maxSymbols}
}

// Decode parses and validates one frame. Errors are *errors.ProtocolError.
func (d *Decoder) Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.NewProtocolError("malformed", "malformed message", apperrors.ErrMalformedMessage)
	}

	switch strings.ToLower(env.Type) {
	case TypeAuthenticate:
		if strings.TrimSpace(env.Token) == "" {
			return nil, apperrors.NewProtocolError("malformed", "token is required", apperrors.ErrTokenMissing)
		}
		return Authenticate{Token: env.Token}, nil

	case TypeSubscribe:
		symbols, err := d.symbols(env)
		if err != nil {
			return nil, err
		}
		return Subscribe{Symbols: symbols}, nil

	case TypeUnsubscribe:
		symbols, err := d.symbols(env)
		if err != nil {
			return nil, err
		}
		return Unsubscribe{Symbols: symbols}, nil

	case TypeHeartbeat, "ping":
		return Heartbeat{}, nil

	case TypeSubscribeEvents:
		topics, err := parseTopics(env.Topics)
		if err != nil {
			return nil, err
		}
		if len(topics) == 0 {
			return nil, apperrors.NewProtocolError("invalid_topic", "at least one topic is required", apperrors.ErrInvalidTopic)
		}
		msg := SubscribeEvents{Topics: topics}
		if env.Filter != nil {
			msg.Filter = *env.Filter
			if msg.Filter.Symbols, err = security.NormalizeSymbols(msg.Filter.Symbols, d.MaxSymbols); err != nil {
				return nil, symbolError(err)
			}
		}
		return msg, nil

	case TypeUnsubscribeEvents:
		topics, err := parseTopics(env.Topics)
		if err != nil {
			return nil, err
		}
		return UnsubscribeEvents{Topics: topics}, nil

	case "":
		return nil, apperrors.NewProtocolError("malformed", "message type is required", apperrors.ErrMalformedMessage)
	}

	return nil, apperrors.NewProtocolError("unknown_type", "unknown message type", apperrors.ErrUnknownMessage)
}

// symbols accepts either "symbol" or "symbols".
func (d *Decoder) symbols(env envelope) ([]string, error) {
	raw := env.Symbols
	if env.Symbol != "" {
		raw = append([]string{env.Symbol}, raw...)
	}
	if len(raw) == 0 {
		return nil, apperrors.NewProtocolError("invalid_symbol", "at least one symbol is required", apperrors.ErrInvalidSymbol)
	}

	symbols, err := security.NormalizeSymbols(raw, d.MaxSymbols)
	if err != nil {
		return nil, symbolError(err)
	}
	return symbols, nil
}

func symbolError(err error) error {
	if apperrors.Is(err, apperrors.ErrBatchTooLarge) {
		return apperrors.NewProtocolError("batch_too_large", "too many symbols in request", err)
	}
	return apperrors.NewProtocolError("invalid_symbol", "invalid symbol format", apperrors.Wrap(apperrors.ErrInvalidSymbol, err.Error()))
}

func parseTopics(raw []string) ([]events.Topic, error) {
	out := make([]events.Topic, 0, len(raw))
	for _, r := range raw {
		t := events.Topic(strings.ToLower(strings.TrimSpace(r)))
		if !t.Valid() {
			return nil, apperrors.NewProtocolError("invalid_topic", "unknown topic", apperrors.ErrInvalidTopic)
		}
		out = append(out, t)
	}
	return out, nil
}

// Outbound messages. Each carries its own type discriminator.

// Welcome is sent once a connection is upgraded.
type Welcome struct {
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	Authenticated bool      `json:"authenticated"`
	Timestamp     time.Time `json:"timestamp"`
}

// Authenticated confirms a successful authentication.
type Authenticated struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscribed confirms a subscribe request.
type Subscribed struct {
	Type      string    `json:"type"`
	Symbols   []string  `json:"symbols"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Unsubscribed confirms an unsubscribe request.
type Unsubscribed struct {
	Type           string    `json:"type"`
	Symbols        []string  `json:"symbols"`
	RemainingCount int       `json:"remainingCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// MarketData pushes one tick.
type MarketData struct {
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol"`
	Data      models.MarketDataPoint `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error reports a per-message failure.
type Error struct {
	Type      string    `json:"type"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventsSubscribed confirms a topic subscription.
type EventsSubscribed struct {
	Type      string         `json:"type"`
	Topics    []events.Topic `json:"topics"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventsUnsubscribed confirms topic removal.
type EventsUnsubscribed struct {
	Type      string         `json:"type"`
	Topics    []events.Topic `json:"topics"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPush delivers a domain event.
type EventPush struct {
	Type      string       `json:"type"`
	Topic     events.Topic `json:"topic"`
	Event     events.Event `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewWelcome builds a welcome message.
func NewWelcome(authenticated bool, now time.Time) Welcome {
	msg := "Connected. Send an authenticate message to continue."
	if authenticated {
		msg = "Connected and authenticated."
	}
	return Welcome{Type: TypeWelcome, Message: msg, Authenticated: authenticated, Timestamp: now}
}

// NewAuthenticated builds an authenticated message.
func NewAuthenticated(userID string, now time.Time) Authenticated {
	return Authenticated{Type: TypeAuthenticated, UserID: userID, Timestamp: now}
}

// NewSubscribed builds a subscribed message.
func NewSubscribed(symbols []string, count int, now time.Time) Subscribed {
	return Subscribed{Type: TypeSubscribed, Symbols: symbols, Count: count, Timestamp: now}
}

// NewUnsubscribed builds an unsubscribed message.
func NewUnsubscribed(symbols []string, remaining int, now time.Time) Unsubscribed {
	return Unsubscribed{Type: TypeUnsubscribed, Symbols: symbols, RemainingCount: remaining, Timestamp: now}
}

// NewMarketData builds a market_data push.
func NewMarketData(tick models.MarketDataPoint, now time.Time) MarketData {
	return MarketData{Type: TypeMarketData, Symbol: tick.Symbol, Data: tick, Timestamp: now}
}

// NewError builds an error message from err without leaking internals.
func NewError(err error, now time.Time) Error {
	msg := Error{Type: TypeError, Message: apperrors.PublicMessage(err), Timestamp: now}
	var protoErr *apperrors.ProtocolError
	if apperrors.As(err, &protoErr) {
		msg.Code = protoErr.Code
	}
	return msg
}

// NewHeartbeatAck builds a heartbeat_ack message.
func NewHeartbeatAck(now time.Time) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: now}
}

// NewEventsSubscribed builds an events_subscribed message.
func NewEventsSubscribed(topics []events.Topic, now time.Time) EventsSubscribed {
	return EventsSubscribed{Type: TypeEventsSubscribed, Topics: topics, Timestamp: now}
}

// NewEventsUnsubscribed builds an events_unsubscribed message.
func NewEventsUnsubscribed(topics []events.Topic, now time.Time) EventsUnsubscribed {
	return EventsUnsubscribed{Type: TypeEventsUnsubscribed, Topics: topics, Timestamp: now}
}

// NewEventPush wraps a domain event for delivery.
func NewEventPush(e events.Event, now time.Time) EventPush {
	return EventPush{Type: TypeEvent, Topic: e.Topic, Event: e, Timestamp: now}
}
