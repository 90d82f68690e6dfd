package pricefeed

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mainHost = "wss://fstream.binance.com/ws"
	testHost = "wss://stream.binancefuture.com/ws"
)

// Feed maintains one websocket subscription over the current watch set and
// writes last prices into the shared cache. Subscribe with a changed set
// tears down the old connection and redials.
type Feed struct {
	cache      *Cache
	log        *zap.SugaredLogger
	useTestnet bool
	dialer     *websocket.Dialer

	parent context.Context

	mu      sync.Mutex
	symbols []string
	cancel  context.CancelFunc
}

func NewFeed(cache *Cache, useTestnet bool, log *zap.SugaredLogger) *Feed {
	return &Feed{
		cache:      cache,
		log:        log,
		useTestnet: useTestnet,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Start records the parent context all stream goroutines derive from.
func (f *Feed) Start(ctx context.Context) {
	f.parent = ctx
}

// Subscribe updates the watch set. Same set and a live connection is a no-op;
// otherwise the old connection is dropped and a new one dialed.
func (f *Feed) Subscribe(symbols []string) {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s != "" {
			set[strings.ToUpper(s)] = true
		}
	}
	next := make([]string, 0, len(set))
	for s := range set {
		next = append(next, s)
	}
	sort.Strings(next)

	f.mu.Lock()
	defer f.mu.Unlock()

	if equalSets(f.symbols, next) && f.cancel != nil {
		return
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.symbols = next
	if len(next) == 0 || f.parent == nil {
		return
	}

	ctx, cancel := context.WithCancel(f.parent)
	f.cancel = cancel
	go f.run(ctx, next)
}

// Stop drops the current connection.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.symbols = nil
}

func (f *Feed) run(ctx context.Context, symbols []string) {
	url := mainHost
	if f.useTestnet {
		url = testHost
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@ticker")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := f.dialer.DialContext(ctx, url, nil)
		if err != nil {
			f.log.Warnw("price stream dial failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		sub := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": 1}
		if err := conn.WriteJSON(sub); err != nil {
			f.log.Warnw("price stream subscribe failed", "error", err)
			_ = conn.Close()
			sleepCtx(ctx, time.Second)
			continue
		}
		f.log.Infow("price stream connected", "symbols", len(symbols))

		// Close the connection when the watch set changes or we shut down,
		// so the blocked ReadMessage returns.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		f.readLoop(conn)
		close(done)
		_ = conn.Close()

		sleepCtx(ctx, time.Second)
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.log.Warnw("price stream read error", "error", err)
			return
		}

		var frame struct {
			Event  string `json:"e"`
			Symbol string `json:"s"`
			Close  string `json:"c"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Event != "24hrTicker" || frame.Symbol == "" {
			continue
		}
		p, err := strconv.ParseFloat(frame.Close, 64)
		if err != nil || p <= 0 {
			continue
		}
		f.cache.Set(frame.Symbol, p)
	}
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
