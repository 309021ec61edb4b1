// Package transport provides the placeholder transport handed to the chat
// surface before the underlying session exists.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/tetherhq/tether/internal/host"
)

// ErrSendPending is returned when a second send arrives while one is
// already buffered. The lazy transport holds at most one in-flight call.
var ErrSendPending = errors.New("transport: a send is already pending")

// DisposedError rejects callers whose send was still buffered when the
// session was torn down or replaced.
type DisposedError struct {
	Reason string
}

func (e *DisposedError) Error() string {
	return "transport disposed: " + e.Reason
}

// pendingSend is one buffered call. done carries the single settlement.
type pendingSend struct {
	ctx  context.Context
	text string
	done chan error
}

// Lazy is a transport handle created synchronously, before any host
// round-trip completes. It is a small state machine: unbound -> bound via
// Bind, and either state -> failed via Fail. A send issued while unbound is
// buffered (at most one) and settles when the transport is bound or
// failed; after binding, sends forward directly. Every Send settles
// exactly once.
//
// Lazy is safe for concurrent use.
type Lazy struct {
	mu      sync.Mutex
	real    host.Transport
	failure error
	pending *pendingSend
}

// Ensure Lazy satisfies the transport contract it stands in for.
var _ host.Transport = (*Lazy)(nil)

// NewLazy returns an unbound transport.
func NewLazy() *Lazy {
	return &Lazy{}
}

// Send forwards to the bound transport, or buffers the call until Bind or
// Fail settles it. A send buffered when ctx is cancelled settles with the
// context error, unless Bind or Fail claimed it first.
func (l *Lazy) Send(ctx context.Context, text string) error {
	l.mu.Lock()
	if l.failure != nil {
		err := l.failure
		l.mu.Unlock()
		return err
	}
	if l.real != nil {
		real := l.real
		l.mu.Unlock()
		return real.Send(ctx, text)
	}
	if l.pending != nil {
		l.mu.Unlock()
		return ErrSendPending
	}
	p := &pendingSend{ctx: ctx, text: text, done: make(chan error, 1)}
	l.pending = p
	l.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if l.pending == p {
			// Still ours; withdraw it before anyone settles it.
			l.pending = nil
			l.mu.Unlock()
			return ctx.Err()
		}
		l.mu.Unlock()
		// Bind or Fail already claimed the call; honor that settlement.
		return <-p.done
	}
}

// Bind attaches the real transport. A buffered send is forwarded to it;
// the forward runs asynchronously because Send on a real transport blocks
// for the whole agent turn. Bind after Fail is a no-op: a disposed
// transport stays disposed.
func (l *Lazy) Bind(real host.Transport) {
	l.mu.Lock()
	if l.failure != nil {
		l.mu.Unlock()
		return
	}
	l.real = real
	p := l.pending
	l.pending = nil
	l.mu.Unlock()

	if p != nil {
		go func() {
			p.done <- real.Send(p.ctx, p.text)
		}()
	}
}

// Fail moves the transport to the failed state. A buffered send rejects
// immediately with err, and every later Send fails fast with the same
// error. Failing a bound transport detaches the real transport, so a
// handle held past its session's teardown rejects instead of forwarding
// to a dead session. The first failure wins. A send already forwarding
// when Fail arrives settles with the real transport's result.
func (l *Lazy) Fail(err error) {
	l.mu.Lock()
	if l.failure != nil {
		l.mu.Unlock()
		return
	}
	l.failure = err
	l.real = nil
	p := l.pending
	l.pending = nil
	l.mu.Unlock()

	if p != nil {
		p.done <- err
	}
}

// Bound reports whether the real transport has been attached.
func (l *Lazy) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.real != nil
}

// Pending reports whether a send is buffered awaiting Bind or Fail.
func (l *Lazy) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}
