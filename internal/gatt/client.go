package gatt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// UUIDPair names one logical characteristic on the server. The fallback
// UUID, if set, is tried when the primary is not present, to support
// servers speaking an older protocol version.
type UUIDPair struct {
	Primary  string
	Fallback string
}

// Params configures a Client. It is immutable for the lifetime of the
// client instance. Callers address characteristics by their index into
// Characteristics.
type Params struct {
	TxPower     TxPower
	ServiceUUID string
	// Characteristics is the ordered list of UUID pairs the client may
	// operate on.
	Characteristics []UUIDPair
	// ConnectTimeout bounds connection retries.
	ConnectTimeout time.Duration
	// DiscoveryTimeout bounds service discovery retries.
	DiscoveryTimeout time.Duration
	// OperationTimeout bounds write/read/subscribe retries and the
	// response wait in CallRemoteFunction. It does not include the time
	// needed to connect and discover services.
	OperationTimeout time.Duration
	// Exponential backoff shape for all retry loops.
	InitialBackoffStep time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
}

// DefaultParams returns sensible defaults. ServiceUUID and Characteristics
// must still be filled in by the caller.
func DefaultParams() Params {
	return Params{
		ConnectTimeout:     10 * time.Second,
		DiscoveryTimeout:   10 * time.Second,
		OperationTimeout:   15 * time.Second,
		InitialBackoffStep: 100 * time.Millisecond,
		MaxBackoff:         3 * time.Second,
		BackoffMultiplier:  1.5,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = def.ConnectTimeout
	}
	if p.DiscoveryTimeout <= 0 {
		p.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if p.OperationTimeout <= 0 {
		p.OperationTimeout = def.OperationTimeout
	}
	if p.InitialBackoffStep <= 0 {
		p.InitialBackoffStep = def.InitialBackoffStep
	}
	if p.MaxBackoff < p.InitialBackoffStep {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.BackoffMultiplier < 1.0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	return p
}

// StatusFunc observes the outcome of each connect cycle: nil once the
// connection is ready, ErrDeadlineExceeded when a cycle gives up. It is
// informational; operations do not need to wait for it.
type StatusFunc func(err error)

// NotifyFunc receives subscription values. Exactly one of value and err is
// meaningful per call. It may be invoked on any goroutine.
type NotifyFunc func(value []byte, err error)

// ReadResult is the outcome of a read or a remote function call.
type ReadResult struct {
	Value []byte
	Err   error
}

// Client is a GATT client with built-in retry. All methods are
// non-blocking unless stated otherwise: they enqueue work on the client's
// worker and deliver the outcome later through a result channel or
// callback. Construction begins connecting immediately; callers do not
// need to wait for the connection before issuing operations.
type Client struct {
	adapter  Adapter
	addr     string
	params   Params
	statusFn StatusFunc

	w *worker

	// Owned by the worker goroutine; never touched anywhere else.
	conn   Conn
	chars  map[int]Characteristic // resolver cache; nil entry = known absent
	status error                  // outcome of the last connect cycle

	// The subscription table is the one structure shared with the
	// platform's notification goroutines, so it has its own lock.
	subMu sync.Mutex
	subs  map[int]*subscription

	stopped atomic.Bool
}

// New creates the client and starts connecting to the peripheral at addr
// in the background. If the connection is interrupted later, the client
// reconnects on its own. statusFn may be nil.
func New(adapter Adapter, addr string, params Params, statusFn StatusFunc) *Client {
	c := &Client{
		adapter:  adapter,
		addr:     addr,
		params:   params.withDefaults(),
		statusFn: statusFn,
		w:        newWorker(),
		chars:    make(map[int]Characteristic),
		subs:     make(map[int]*subscription),
	}
	c.connect()
	return c
}

// connect enqueues one full connect-and-discover cycle. It is re-invoked
// by the disconnect handler, which is how auto-reconnect works: a dropped
// link is a trigger to restart the cycle, not a terminal error.
func (c *Client) connect() {
	c.w.enqueue(func() {
		c.conn = nil
		c.chars = make(map[int]Characteristic)
		slog.Info("[GATT] connecting", "addr", c.addr)
		c.status = c.tryConnect()
		if c.status != nil {
			slog.Warn("[GATT] connect gave up", "error", c.status)
			c.notifyStatus(c.status)
			return
		}
		slog.Info("[GATT] discovering services", "service", c.params.ServiceUUID)
		c.status = c.tryDiscover()
		if c.status != nil {
			slog.Warn("[GATT] discovery gave up", "error", c.status)
			c.notifyStatus(c.status)
			return
		}
		slog.Info("[GATT] connection ready")
		c.notifyStatus(nil)
	})
}

func (c *Client) tryConnect() error {
	backoff := newExpBackoff(c.params)
	start := time.Now()
	for !c.stopped.Load() && time.Since(start) < c.params.ConnectTimeout {
		if err := c.enableAndConnect(); err != nil {
			slog.Debug("[GATT] connect attempt failed", "error", err)
			time.Sleep(backoff.next())
			continue
		}
		return nil
	}
	return fmt.Errorf("gatt: connect: %w", ErrDeadlineExceeded)
}

func (c *Client) enableAndConnect() error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	conn, err := c.adapter.Connect(context.Background(), c.addr, c.params.TxPower, func() {
		if c.stopped.Load() {
			return
		}
		slog.Warn("[GATT] server disconnected, reconnecting")
		c.connect()
	})
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) tryDiscover() error {
	backoff := newExpBackoff(c.params)
	start := time.Now()
	for !c.stopped.Load() && time.Since(start) < c.params.DiscoveryTimeout {
		if c.discover(c.primaryUUIDs()) || c.discover(c.fallbackUUIDs()) {
			return nil
		}
		time.Sleep(backoff.next())
	}
	return fmt.Errorf("gatt: discovery: %w", ErrDeadlineExceeded)
}

func (c *Client) discover(charUUIDs []string) bool {
	if c.params.ServiceUUID == "" || len(charUUIDs) == 0 {
		return false
	}
	if err := c.conn.DiscoverServices(c.params.ServiceUUID, charUUIDs); err != nil {
		slog.Debug("[GATT] discovery attempt failed", "error", err)
		return false
	}
	return true
}

func (c *Client) primaryUUIDs() []string {
	uuids := make([]string, 0, len(c.params.Characteristics))
	for _, pair := range c.params.Characteristics {
		uuids = append(uuids, pair.Primary)
	}
	return uuids
}

// fallbackUUIDs returns the fallback UUID of each pair, keeping the
// primary where a pair has no fallback. Returns nil when no pair defines a
// fallback, so the second discovery attempt is skipped entirely.
func (c *Client) fallbackUUIDs() []string {
	hasFallbacks := false
	uuids := make([]string, 0, len(c.params.Characteristics))
	for _, pair := range c.params.Characteristics {
		if pair.Fallback == "" {
			uuids = append(uuids, pair.Primary)
		} else {
			hasFallbacks = true
			uuids = append(uuids, pair.Fallback)
		}
	}
	if !hasFallbacks {
		return nil
	}
	return uuids
}

// resolve maps a UUID-pair index to a characteristic handle, or nil if the
// server does not expose it. Results, including misses, are cached until
// the next reconnect so a missing characteristic does not trigger repeated
// lookups.
func (c *Client) resolve(index int) Characteristic {
	if ch, ok := c.chars[index]; ok {
		return ch
	}
	pair := c.params.Characteristics[index]
	ch := c.lookup(pair)
	if ch == nil {
		slog.Warn("[GATT] characteristic not found",
			"primary", pair.Primary, "fallback", pair.Fallback, "service", c.params.ServiceUUID)
	}
	c.chars[index] = ch
	return ch
}

func (c *Client) lookup(pair UUIDPair) Characteristic {
	if c.stopped.Load() {
		return nil
	}
	ch, err := c.conn.GetCharacteristic(c.params.ServiceUUID, pair.Primary)
	if err == nil {
		return ch
	}
	if pair.Fallback == "" || c.stopped.Load() {
		return nil
	}
	ch, err = c.conn.GetCharacteristic(c.params.ServiceUUID, pair.Fallback)
	if err != nil {
		return nil
	}
	return ch
}

type writeRequest struct {
	index    int
	value    []byte
	mode     WriteMode
	done     func(err error)
	timeLeft time.Duration
	backoff  *expBackoff
}

type readRequest struct {
	index    int
	done     func(value []byte, err error)
	timeLeft time.Duration
	backoff  *expBackoff
}

// WriteCharacteristic writes to the characteristic at the given UUID-pair
// index. The returned channel receives exactly one value: nil on success,
// ErrUnavailable once the retry budget is exhausted, or a permanent
// platform error. It receives nothing if the client is stopped first.
func (c *Client) WriteCharacteristic(index int, value []byte, mode WriteMode) <-chan error {
	c.checkIndex(index)
	result := make(chan error, 1)
	c.write(&writeRequest{
		index:    index,
		value:    append([]byte(nil), value...),
		mode:     mode,
		done:     func(err error) { result <- err },
		timeLeft: c.params.OperationTimeout,
		backoff:  newExpBackoff(c.params),
	})
	return result
}

// ReadCharacteristic reads the characteristic at the given UUID-pair
// index. The returned channel receives exactly one result, or nothing if
// the client is stopped first.
func (c *Client) ReadCharacteristic(index int) <-chan ReadResult {
	c.checkIndex(index)
	result := make(chan ReadResult, 1)
	c.read(&readRequest{
		index:    index,
		done:     func(value []byte, err error) { result <- ReadResult{Value: value, Err: err} },
		timeLeft: c.params.OperationTimeout,
		backoff:  newExpBackoff(c.params),
	})
	return result
}

func (c *Client) write(req *writeRequest) {
	c.w.enqueue(func() {
		start := time.Now()
		if c.stopped.Load() {
			return
		}
		if c.status != nil {
			slog.Warn("[GATT] cannot write, connection down", "error", c.status)
			req.done(c.status)
			return
		}
		time.Sleep(req.backoff.next())
		ch := c.resolve(req.index)
		err := ErrNotFound
		if ch != nil {
			err = ch.Write(req.value, req.mode)
		}
		if c.stopped.Load() {
			return
		}
		if err == nil {
			req.done(nil)
			return
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			req.done(perm.Err)
			return
		}
		req.timeLeft -= time.Since(start)
		if req.timeLeft > 0 {
			c.write(req)
		} else {
			req.done(fmt.Errorf("gatt: write: %w", ErrUnavailable))
		}
	})
}

func (c *Client) read(req *readRequest) {
	c.w.enqueue(func() {
		start := time.Now()
		if c.stopped.Load() {
			return
		}
		if c.status != nil {
			slog.Warn("[GATT] cannot read, connection down", "error", c.status)
			req.done(nil, c.status)
			return
		}
		time.Sleep(req.backoff.next())
		ch := c.resolve(req.index)
		var value []byte
		err := ErrNotFound
		if ch != nil {
			value, err = ch.Read()
		}
		if c.stopped.Load() {
			return
		}
		if err == nil {
			req.done(value, nil)
			return
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			req.done(nil, perm.Err)
			return
		}
		req.timeLeft -= time.Since(start)
		if req.timeLeft > 0 {
			c.read(req)
		} else {
			req.done(nil, fmt.Errorf("gatt: read: %w", ErrUnavailable))
		}
	})
}

func (c *Client) notifyStatus(err error) {
	if c.stopped.Load() {
		return
	}
	if c.statusFn != nil {
		c.statusFn(err)
	}
}

func (c *Client) checkIndex(index int) {
	if index < 0 || index >= len(c.params.Characteristics) {
		panic(fmt.Sprintf("gatt: uuid pair index %d out of range", index))
	}
}

// Stop disables the client and disconnects from the server. No result,
// status, or notification delivery happens after the cleanup task has run,
// but a callback already running may finish after Stop returns. Calling
// Stop more than once is a no-op.
func (c *Client) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	slog.Info("[GATT] stopping")
	c.w.enqueue(func() {
		if c.conn != nil {
			if err := c.conn.Disconnect(); err != nil {
				slog.Debug("[GATT] disconnect", "error", err)
			}
			c.conn = nil
		}
		c.chars = make(map[int]Characteristic)
		c.subMu.Lock()
		for _, sub := range c.subs {
			if sub.timer != nil {
				sub.timer.Stop()
			}
		}
		c.subs = make(map[int]*subscription)
		c.subMu.Unlock()
	})
}

// Close stops the client and blocks until the worker has drained all
// queued work, including any request that was mid-flight. No callback
// executes after Close returns.
func (c *Client) Close() error {
	c.Stop()
	c.w.shutdown()
	return nil
}
