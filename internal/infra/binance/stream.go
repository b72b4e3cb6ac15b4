package binance

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market_maker/internal/event"
	"market_maker/internal/infra"

	"github.com/gorilla/websocket"
)

// StreamState is the connection state of a StreamWorker.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateSnapshotting
	StateStreaming
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSnapshotting:
		return "SNAPSHOTTING"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// SnapshotFetcher returns a full depth snapshot for one symbol.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string) (*event.BookSnapshot, error)
}

// StreamWorker handles the Binance combined market stream: depth diffs,
// klines and aggregated trades for a fixed symbol set. It keeps every book
// in sequence and resynchronizes from REST snapshots.
type StreamWorker struct {
	cfg      infra.BinanceConfig
	symbols  []string
	books    map[string]*bookSync
	out      chan<- event.Event
	snapshot SnapshotFetcher
	backoff  infra.Backoff
	metrics  *infra.Metrics
	logger   *slog.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewStreamWorker creates a worker for symbols that delivers to out.
func NewStreamWorker(cfg infra.BinanceConfig, symbols []string, fetcher SnapshotFetcher, out chan<- event.Event, metrics *infra.Metrics) *StreamWorker {
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}

	w := &StreamWorker{
		cfg:      cfg,
		symbols:  make([]string, 0, len(symbols)),
		books:    make(map[string]*bookSync, len(symbols)),
		out:      out,
		snapshot: fetcher,
		backoff:  infra.NewBackoff(cfg.Backoff),
		metrics:  metrics,
		logger:   slog.Default().With("module", "binance_stream"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, dup := w.books[s]; dup {
			continue
		}
		w.symbols = append(w.symbols, s)
		w.books[s] = newBookSync(s, cfg.DiffBuffer)
	}
	return w
}

// State returns the current connection state.
func (w *StreamWorker) State() StreamState {
	return StreamState(w.state.Load())
}

func (w *StreamWorker) setState(s StreamState) {
	w.state.Store(int32(s))
}

// IsConnected reports whether a websocket is open.
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

// Connect starts the connection loop. It returns immediately.
func (w *StreamWorker) Connect(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return fmt.Errorf("binance stream: no symbols")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Disconnect stops all goroutines and closes the socket.
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	w.setState(StateDisconnected)
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateConnecting)
		if err := w.connect(ctx); err != nil {
			w.logger.Warn("binance stream connection failed", slog.Any("error", err), slog.Int("retry", attempt))
		} else {
			attempt = 0
			w.metrics.IncrementConnections()
			w.readLoop(ctx)
			w.metrics.DecrementConnections()
			w.connectionLost(ctx, "stream disconnected")
		}

		if ctx.Err() != nil {
			return
		}
		w.metrics.RecordReconnect()
		if !w.sleep(ctx, w.delay(attempt)) {
			return
		}
		attempt++
	}
}

func (w *StreamWorker) streamURL() string {
	streams := make([]string, 0, 3*len(w.symbols))
	for _, s := range w.symbols {
		lower := strings.ToLower(s)
		streams = append(streams,
			lower+"@depth@100ms",
			lower+"@kline_"+w.cfg.KlineInterval,
			lower+"@aggTrade",
		)
	}
	return strings.TrimRight(w.cfg.WSURL, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

func (w *StreamWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.setState(StateSnapshotting)
	for _, s := range w.symbols {
		bs := w.books[s]
		bs.mu.Lock()
		bs.invalidateLocked()
		w.requestResyncLocked(ctx, bs)
		bs.mu.Unlock()
	}

	w.wg.Add(1)
	go w.pingLoop(ctx, conn)
	w.logger.Info("binance stream connected", slog.Int("symbols", len(w.symbols)))
	return nil
}

func (w *StreamWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn == conn
			w.mu.RUnlock()
			if !current {
				return
			}
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Debug("ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("binance stream read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		w.handleMessage(ctx, msg)
	}
}

func (w *StreamWorker) handleMessage(ctx context.Context, msg []byte) {
	ev, err := decodeMessage(msg)
	if err != nil {
		w.metrics.RecordError()
		w.logger.Warn("undecodable stream message", slog.Any("error", err))
		return
	}
	if ev == nil {
		return
	}
	if d, ok := ev.(*event.BookDiff); ok {
		w.handleDiff(ctx, d)
		return
	}
	if _, known := w.books[ev.GetSymbol()]; !known {
		return
	}
	w.emit(ctx, ev)
}

func (w *StreamWorker) handleDiff(ctx context.Context, d *event.BookDiff) {
	bs, ok := w.books[d.Symbol]
	if !ok {
		event.ReleaseBookDiff(d)
		return
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if !bs.synced {
		bs.bufferLocked(d)
		return
	}
	if w.applyLocked(ctx, bs, d) {
		w.requestResyncLocked(ctx, bs)
	}
}

// applyLocked emits d if it is in sequence. It returns true when d revealed
// a gap, in which case the book is already invalidated and GapDetected sent.
func (w *StreamWorker) applyLocked(ctx context.Context, bs *bookSync, d *event.BookDiff) bool {
	switch bs.check(d) {
	case verdictStale:
		event.ReleaseBookDiff(d)
		return false
	case verdictApply:
		bs.advance(d)
		w.emit(ctx, d)
		return false
	}

	expected, got := bs.lastSeq+1, d.First
	ts := d.Time
	event.ReleaseBookDiff(d)
	bs.invalidateLocked()
	w.setState(StateSnapshotting)
	w.metrics.RecordGap()
	w.logger.Warn("book sequence gap", slog.String("symbol", bs.symbol), slog.Int64("expected", expected), slog.Int64("got", got))
	w.emit(ctx, &event.GapDetected{
		Base:     event.Base{Symbol: bs.symbol, Time: ts},
		Expected: expected,
		Got:      got,
	})
	return true
}

// requestResyncLocked starts one resync goroutine per symbol. A running
// one notices the new generation and fetches again.
func (w *StreamWorker) requestResyncLocked(ctx context.Context, bs *bookSync) {
	if bs.resyncing || ctx.Err() != nil {
		return
	}
	bs.resyncing = true
	w.wg.Add(1)
	go w.resync(ctx, bs)
}

func (w *StreamWorker) resync(ctx context.Context, bs *bookSync) {
	defer w.wg.Done()
	attempt := 0
	for {
		if !w.IsConnected() {
			// Diffs only buffer while a socket is open; wait for the next one.
			if !w.sleep(ctx, w.delay(attempt)) {
				w.stopResync(bs)
				return
			}
			continue
		}

		bs.mu.Lock()
		gen := bs.gen
		bs.mu.Unlock()

		snap, err := w.snapshot.DepthSnapshot(ctx, bs.symbol)
		if err != nil {
			if ctx.Err() != nil {
				w.stopResync(bs)
				return
			}
			w.logger.Warn("depth snapshot failed", slog.String("symbol", bs.symbol), slog.Any("error", err), slog.Int("retry", attempt))
			if !w.sleep(ctx, w.delay(attempt)) {
				w.stopResync(bs)
				return
			}
			attempt++
			continue
		}

		bs.mu.Lock()
		if bs.gen != gen {
			// Invalidated while fetching; the snapshot may predate the buffer.
			bs.mu.Unlock()
			continue
		}
		done := w.applySnapshotLocked(ctx, snap, bs)
		if done {
			bs.resyncing = false
		}
		bs.mu.Unlock()

		if done {
			w.refreshState()
			return
		}
		attempt = 0
	}
}

// applySnapshotLocked emits snap and replays the buffered diffs. It returns
// false if the replay hit a gap and another snapshot is needed.
func (w *StreamWorker) applySnapshotLocked(ctx context.Context, snap *event.BookSnapshot, bs *bookSync) bool {
	replay := bs.resetLocked(snap.Seq)
	w.emit(ctx, snap)
	w.logger.Info("book synced", slog.String("symbol", bs.symbol), slog.Int64("seq", snap.Seq), slog.Int("replayed", len(replay)))

	for i, d := range replay {
		if w.applyLocked(ctx, bs, d) {
			for _, rest := range replay[i+1:] {
				event.ReleaseBookDiff(rest)
			}
			return false
		}
	}
	return true
}

func (w *StreamWorker) stopResync(bs *bookSync) {
	bs.mu.Lock()
	bs.resyncing = false
	bs.mu.Unlock()
}

// refreshState moves to Streaming once every book is synced.
func (w *StreamWorker) refreshState() {
	if !w.IsConnected() {
		return
	}
	for _, bs := range w.books {
		bs.mu.Lock()
		synced := bs.synced
		bs.mu.Unlock()
		if !synced {
			return
		}
	}
	w.setState(StateStreaming)
}

// connectionLost invalidates every book and tells the consumers.
func (w *StreamWorker) connectionLost(ctx context.Context, reason string) {
	w.setState(StateDisconnected)
	now := time.Now()
	for _, s := range w.symbols {
		bs := w.books[s]
		bs.mu.Lock()
		bs.invalidateLocked()
		bs.mu.Unlock()
		w.emit(ctx, &event.ConnectionLost{Base: event.Base{Symbol: s, Time: now}, Reason: reason})
	}
}

// emit delivers ev, blocking while the consumer is behind.
func (w *StreamWorker) emit(ctx context.Context, ev event.Event) bool {
	select {
	case w.out <- ev:
		return true
	case <-ctx.Done():
		event.Release(ev)
		return false
	}
}

func (w *StreamWorker) delay(attempt int) time.Duration {
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return w.backoff.Next(attempt, w.rng)
}

func (w *StreamWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
