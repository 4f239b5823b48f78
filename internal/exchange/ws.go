// ws.go implements the two WebSocket feeds the engine consumes.
//
//   - Order-book feed: subscribes to one instrument's depth, receives full
//     book replacements tagged "responseType":"OrderBook".
//
//   - Executions feed: subscribes to the same instrument's order lifecycle,
//     receives execution reports as a bare {clientOrderId, data} object with
//     no "responseType" discriminator — a different wire shape from the
//     market-data endpoint's tagged union. Treated as best-effort only — the
//     forced REST refresher in the live-orders table is the authoritative
//     repair path when this feed drops messages or disconnects.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 60s max) and
// re-subscribe on reconnection.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"brokermm/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	bookBufferSize     = 64
	execBufferSize     = 256
)

// feedKind distinguishes the subscribe payload each WSFeed sends.
type feedKind int

const (
	feedOrderBook feedKind = iota
	feedExecutions
)

// WSFeed manages a single WebSocket connection to one of the broker's
// endpoints (market data or executions), subscribed to one instrument.
type WSFeed struct {
	url        string
	accessTok  func() string
	kind       feedKind
	instrument types.WSInstrumentEntry
	depth      int

	connMu sync.Mutex
	conn   *websocket.Conn

	bookCh chan types.WSOrderBookFrame
	execCh chan types.WSExecutionFrame

	logger *slog.Logger
}

// NewOrderBookFeed creates a feed subscribed to full order-book replacements
// for one instrument.
func NewOrderBookFeed(wsURL string, inst types.Instrument, depth int, accessTok func() string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		accessTok:  accessTok,
		kind:       feedOrderBook,
		instrument: types.WSInstrumentEntry{ClassCode: inst.ClassCode, Ticker: inst.Ticker},
		depth:      depth,
		bookCh:     make(chan types.WSOrderBookFrame, bookBufferSize),
		logger:     logger.With("component", "ws_orderbook"),
	}
}

// NewExecutionsFeed creates a feed subscribed to order lifecycle events for
// one instrument.
func NewExecutionsFeed(wsURL string, inst types.Instrument, accessTok func() string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		accessTok:  accessTok,
		kind:       feedExecutions,
		instrument: types.WSInstrumentEntry{ClassCode: inst.ClassCode, Ticker: inst.Ticker},
		execCh:     make(chan types.WSExecutionFrame, execBufferSize),
		logger:     logger.With("component", "ws_executions"),
	}
}

// OrderBookFrames returns a read-only channel of full book replacements.
func (f *WSFeed) OrderBookFrames() <-chan types.WSOrderBookFrame { return f.bookCh }

// ExecutionFrames returns a read-only channel of execution reports.
func (f *WSFeed) ExecutionFrames() <-chan types.WSExecutionFrame { return f.execCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	header := map[string][]string{
		"Authorization": {"Bearer " + f.accessTok()},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch f.kind {
		case feedExecutions:
			f.dispatchExecutionMessage(msg)
		default:
			f.dispatchOrderBookMessage(msg)
		}
	}
}

func (f *WSFeed) sendSubscription() error {
	var msg types.WSSubscribeMsg
	switch f.kind {
	case feedOrderBook:
		msg = types.WSSubscribeMsg{
			SubscribeType: 0,
			DataType:      0,
			Depth:         f.depth,
			Instruments:   []types.WSInstrumentEntry{f.instrument},
		}
	case feedExecutions:
		msg = types.WSSubscribeMsg{
			SubscribeType: 0,
			DataType:      2,
			Instruments:   []types.WSInstrumentEntry{f.instrument},
		}
	}
	return f.writeJSON(msg)
}

// dispatchOrderBookMessage handles the market-data feed, whose frames carry
// the "responseType" tagged-union discriminator (spec §6: order-book
// replacements and subscribe acks share this endpoint).
func (f *WSFeed) dispatchOrderBookMessage(data []byte) {
	var envelope types.WSEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.ResponseType {
	case "OrderBook":
		var frame types.WSOrderBookFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Error("unmarshal order book frame", "error", err)
			return
		}
		select {
		case f.bookCh <- frame:
		default:
			f.logger.Warn("order book channel full, dropping frame", "ticker", frame.Ticker)
		}

	case "OrderBookSuccess":
		f.logger.Debug("subscribed successfully", "type", envelope.ResponseType)

	default:
		f.logger.Debug("unknown ws response type", "type", envelope.ResponseType)
	}
}

// dispatchExecutionMessage handles the executions feed. Per spec §6 this
// endpoint's wire format is a bare {clientOrderId, data:{...}} object with no
// "responseType" discriminator — it is not part of the market-data tagged
// union, so it is decoded directly rather than peeked first.
func (f *WSFeed) dispatchExecutionMessage(data []byte) {
	var frame types.WSExecutionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Error("unmarshal execution frame", "error", err)
		return
	}
	if frame.ClientOrderID == "" {
		f.logger.Debug("ignoring execution message with no clientOrderId", "data", string(data))
		return
	}

	select {
	case f.execCh <- frame:
	default:
		f.logger.Warn("execution channel full, dropping frame", "clientOrderId", frame.ClientOrderID)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
