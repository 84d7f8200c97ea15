package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"confluence-core/pkg/types"
)

// Stream abstracts a venue market data connection. Implementations normalize
// venue payloads into Tick values.
type Stream interface {
	// Subscribe starts streaming ticks for the symbols. The channel closes
	// when the stream terminates; the returned func stops it early.
	Subscribe(ctx context.Context, symbols []string) (<-chan types.Tick, func(), error)
}

// ReconnectConfig defines websocket reconnection behavior.
type ReconnectConfig struct {
	MaxRetries   int // 0 = unlimited
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:   10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// wsTick is the wire format expected from the stream endpoint.
type wsTick struct {
	Symbol    string  `json:"s"`
	Timestamp int64   `json:"t"` // unix millis
	Price     float64 `json:"p,string"`
	Volume    float64 `json:"v,string"`
	Side      string  `json:"m"` // "BUY"/"SELL"; empty when the venue cannot tell
	TradeID   string  `json:"i"`
}

// WSStream streams ticks from a venue websocket endpoint with
// auto-reconnect.
type WSStream struct {
	URL       string
	Venue     string
	Market    types.MarketType
	Reconnect ReconnectConfig
	OnDrop    func(venue string, since time.Time) // connection loss callback

	dialer *websocket.Dialer
}

// NewWSStream builds a websocket stream client.
func NewWSStream(url, venue string, market types.MarketType) *WSStream {
	return &WSStream{
		URL:       url,
		Venue:     venue,
		Market:    market,
		Reconnect: DefaultReconnectConfig(),
		dialer:    websocket.DefaultDialer,
	}
}

// Subscribe dials the endpoint and pumps normalized ticks until ctx ends or
// reconnect attempts are exhausted.
func (s *WSStream) Subscribe(ctx context.Context, symbols []string) (<-chan types.Tick, func(), error) {
	if s.URL == "" {
		return nil, nil, fmt.Errorf("stream url is empty")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan types.Tick, 1024)

	go func() {
		defer close(out)
		defer cancel()

		retries := 0
		delay := s.Reconnect.InitialDelay
		for {
			if streamCtx.Err() != nil {
				return
			}

			conn, _, err := s.dialer.DialContext(streamCtx, s.URL, nil)
			if err != nil {
				log.Printf("stream %s: dial failed: %v", s.Venue, err)
			} else {
				if err := s.sendSubscribe(conn, symbols); err != nil {
					log.Printf("stream %s: subscribe failed: %v", s.Venue, err)
					conn.Close()
				} else {
					retries = 0
					delay = s.Reconnect.InitialDelay
					dropAt := s.pump(streamCtx, conn, out)
					conn.Close()
					if streamCtx.Err() != nil {
						return
					}
					if s.OnDrop != nil {
						s.OnDrop(s.Venue, dropAt)
					}
				}
			}

			retries++
			if s.Reconnect.MaxRetries > 0 && retries > s.Reconnect.MaxRetries {
				log.Printf("stream %s: reconnect attempts exhausted", s.Venue)
				return
			}
			select {
			case <-streamCtx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * s.Reconnect.Multiplier)
			if delay > s.Reconnect.MaxDelay {
				delay = s.Reconnect.MaxDelay
			}
		}
	}()

	return out, cancel, nil
}

func (s *WSStream) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	msg := map[string]any{"method": "SUBSCRIBE", "params": symbols}
	return conn.WriteJSON(msg)
}

// pump reads messages until the connection drops, returning the drop time.
func (s *WSStream) pump(ctx context.Context, conn *websocket.Conn, out chan<- types.Tick) time.Time {
	for {
		if ctx.Err() != nil {
			return time.Now()
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return time.Now()
		}

		var wt wsTick
		if err := json.Unmarshal(data, &wt); err != nil || wt.Symbol == "" {
			continue // control frame or unknown payload
		}

		side := types.Side(wt.Side)
		if side != types.SideBuy && side != types.SideSell {
			// Venue could not determine the taker (on-chain swaps); the
			// engine-wide convention is BUY. Analytics never reclassifies.
			side = types.SideBuy
		}

		tick := types.Tick{
			Pair:      types.Pair{Venue: s.Venue, Market: s.Market, Symbol: wt.Symbol},
			Timestamp: time.UnixMilli(wt.Timestamp),
			Price:     wt.Price,
			Volume:    wt.Volume,
			Side:      side,
			TradeID:   wt.TradeID,
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return time.Now()
		}
	}
}
