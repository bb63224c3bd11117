package gatt

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// subscription is one entry in the notification dispatch table.
type subscription struct {
	fn       NotifyFunc
	callOnce bool
	timer    *time.Timer // response deadline, set by CallRemoteFunction
}

type subscribeRequest struct {
	index    int
	timeLeft time.Duration
	backoff  *expBackoff
}

// Subscribe registers fn for value notifications from the characteristic
// at the given UUID-pair index and enables notifications on the server. A
// new Subscribe for the same index replaces the previous subscriber. If
// callOnce is set, the subscription removes itself after the first
// delivery.
//
// Do not call Subscribe or Unsubscribe from inside fn for the same index
// while a delivery is being dispatched; use CallRemoteFunction for
// request/response exchanges instead.
func (c *Client) Subscribe(index int, fn NotifyFunc, callOnce bool) {
	c.checkIndex(index)
	c.subMu.Lock()
	c.subs[index] = &subscription{fn: fn, callOnce: callOnce}
	c.subMu.Unlock()
	slog.Info("[GATT] subscribe", "index", index)
	c.subscribe(&subscribeRequest{
		index:    index,
		timeLeft: c.params.OperationTimeout,
		backoff:  newExpBackoff(c.params),
	})
}

func (c *Client) subscribe(req *subscribeRequest) {
	c.w.enqueue(func() {
		if c.stopped.Load() {
			return
		}
		if !c.hasSubscriber(req.index) {
			// Unsubscribed before the platform call ran.
			return
		}
		if c.status != nil {
			c.notifySubscriber(req.index, nil, c.status)
			return
		}
		start := time.Now()
		time.Sleep(req.backoff.next())
		ch := c.resolve(req.index)
		err := ErrNotFound
		if ch != nil {
			index := req.index
			err = ch.Subscribe(true, func(value []byte) {
				c.notifySubscriber(index, value, nil)
			})
		}
		if c.stopped.Load() || err == nil {
			return
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			c.notifySubscriber(req.index, nil, perm.Err)
			return
		}
		req.timeLeft -= time.Since(start)
		if req.timeLeft > 0 {
			c.subscribe(req)
		} else {
			c.notifySubscriber(req.index, nil, fmt.Errorf("gatt: subscribe: %w", ErrUnavailable))
		}
	})
}

// Unsubscribe removes the subscriber for the given UUID-pair index. The
// removal is immediate: no notification is delivered once Unsubscribe has
// returned. Disabling notifications on the server happens asynchronously
// and best-effort; by the time it runs the link may already be gone.
func (c *Client) Unsubscribe(index int) {
	c.checkIndex(index)
	c.subMu.Lock()
	_, ok := c.subs[index]
	delete(c.subs, index)
	c.subMu.Unlock()
	if !ok {
		slog.Debug("[GATT] not subscribed", "index", index)
	}
	c.platformUnsubscribe(index)
}

func (c *Client) platformUnsubscribe(index int) {
	c.w.enqueue(func() {
		if c.stopped.Load() || c.status != nil {
			return
		}
		slog.Info("[GATT] unsubscribe", "index", index)
		ch := c.resolve(index)
		if ch == nil {
			return
		}
		if err := ch.Subscribe(false, nil); err != nil {
			slog.Debug("[GATT] unsubscribe failed", "index", index, "error", err)
		}
	})
}

// CallRemoteFunction performs a write-and-response exchange: it subscribes
// to the characteristic once, writes the request, and waits for the
// server's answer to arrive as a notification, with OperationTimeout
// bounding the wait after a successful write. The returned channel
// receives exactly one result (or nothing if the client is stopped first).
// The phase timeouts accumulate: a call issued while the client is still
// connecting waits for connection, discovery, the write's own retry
// budget, and then the response deadline.
func (c *Client) CallRemoteFunction(index int, request []byte) <-chan ReadResult {
	c.checkIndex(index)
	result := make(chan ReadResult, 1)
	c.Subscribe(index, func(value []byte, err error) {
		result <- ReadResult{Value: value, Err: err}
	}, true)
	c.write(&writeRequest{
		index: index,
		value: append([]byte(nil), request...),
		mode:  WriteWithResponse,
		done: func(err error) {
			if err != nil {
				c.notifySubscriber(index, nil, err)
			} else {
				c.startResponseTimer(index)
			}
		},
		timeLeft: c.params.OperationTimeout,
		backoff:  newExpBackoff(c.params),
	})
	return result
}

func (c *Client) startResponseTimer(index int) {
	if c.stopped.Load() {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub, ok := c.subs[index]
	if !ok {
		return
	}
	sub.timer = time.AfterFunc(c.params.OperationTimeout, func() {
		c.notifySubscriber(index, nil, fmt.Errorf("gatt: response: %w", ErrDeadlineExceeded))
	})
}

func (c *Client) hasSubscriber(index int) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subs[index]
	return ok
}

// notifySubscriber delivers a value or error to the subscriber for index,
// if one exists. It runs on whatever goroutine produced the event: the
// worker, a platform notification goroutine, or the response deadline
// timer. The table lock is never held across the callback so a subscriber
// may safely re-enter the client. A call-once entry is removed before its
// callback fires, which also makes the delivery race with the deadline
// timer safe: whichever comes second finds no entry and drops the event.
func (c *Client) notifySubscriber(index int, value []byte, err error) {
	if c.stopped.Load() {
		return
	}
	c.subMu.Lock()
	sub, ok := c.subs[index]
	if !ok {
		c.subMu.Unlock()
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	if sub.callOnce {
		delete(c.subs, index)
	}
	c.subMu.Unlock()
	sub.fn(value, err)
	if sub.callOnce {
		c.platformUnsubscribe(index)
	}
}
