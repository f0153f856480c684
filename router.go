package yate

import (
	"log/slog"
	"sync"
	"time"
)

// waiter is a single-shot resolver for one pending correlation (spec §3
// "Pending correlation"). Exactly one of resolve or the deadline timer
// ever completes it; both check (and set) resolved under mu so they
// can't race each other (spec invariant: every correlated operation
// resolves exactly once, with a "failed/undefined" sentinel on timeout).
type waiter struct {
	mu       sync.Mutex
	resolved bool
	ch       chan *Record
	timer    *time.Timer
}

func newWaiter(deadline time.Duration, onTimeout func()) *waiter {
	w := &waiter{ch: make(chan *Record, 1)}
	w.timer = time.AfterFunc(deadline, func() {
		w.mu.Lock()
		already := w.resolved
		w.resolved = true
		w.mu.Unlock()
		if already {
			return
		}
		onTimeout()
		w.ch <- nil
	})
	return w
}

// resolve delivers rec to the waiter if it has not already resolved or
// timed out; reports whether this call was the one that resolved it.
func (w *waiter) resolve(rec *Record) bool {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return false
	}
	w.resolved = true
	w.mu.Unlock()
	w.timer.Stop()
	w.ch <- rec
	return true
}

// router reads parsed lines from a transport and dispatches them to
// correlation waiters, installed handlers, or watchers, driving the
// acknowledgement engine for incoming messages (spec §4.3). Grounded on
// the single-reader-goroutine, mutex-protected-map shape of
// _examples/Atsika-aznet/aznet.go, generalized from connection state to
// message correlation state.
type router struct {
	cfg      *Config
	tr       *transport
	reg      *registry
	log      *slog.Logger
	errorsCh chan ErrorEvent

	pendingMu sync.Mutex
	pending   map[string]*waiter
}

func newRouter(cfg *Config, tr *transport, reg *registry) *router {
	return &router{
		cfg:      cfg,
		tr:       tr,
		reg:      reg,
		log:      cfg.logger,
		errorsCh: make(chan ErrorEvent, 16),
		pending:  make(map[string]*waiter),
	}
}

// await registers a waiter for key with the given deadline and returns
// its result channel; the channel receives nil on timeout.
func (r *router) await(key string, deadline time.Duration) chan *Record {
	w := newWaiter(deadline, func() {
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
		if r.cfg.metrics != nil {
			r.cfg.metrics.IncrementTimedOut()
		}
	})
	r.pendingMu.Lock()
	r.pending[key] = w
	r.pendingMu.Unlock()
	return w.ch
}

// resolveKey delivers rec to the pending waiter for key, if any.
func (r *router) resolveKey(key string, rec *Record) bool {
	r.pendingMu.Lock()
	w, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	return w.resolve(rec)
}

// run consumes parsed lines from tr.lines until the channel is closed
// (connection permanently gone) or stop is closed.
func (r *router) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case line, ok := <-r.tr.lines:
			if !ok {
				return
			}
			r.dispatch(ParseLine(line))
		}
	}
}

func (r *router) dispatch(rec *Record) {
	switch rec.Kind {
	case KindIncoming:
		r.dispatchIncoming(rec)
	case KindNotification:
		r.dispatchNotification(rec)
	case KindAnswer:
		r.resolveKey("_answer,"+rec.ID, rec)
	case KindInstall:
		r.resolveKey("_install,"+rec.Name, rec)
	case KindUninstall:
		r.resolveKey("_uninstall,"+rec.Name, rec)
	case KindWatch:
		r.resolveKey("_watch,"+rec.Name, rec)
	case KindUnwatch:
		r.resolveKey("_unwatch,"+rec.Name, rec)
	case KindSetLocal:
		r.resolveKey("_setlocal,"+rec.Name, rec)
	case KindError:
		r.emitError(rec)
	}
}

func (r *router) emitError(rec *Record) {
	r.log.Warn("decode error", "line", rec.Raw)
	select {
	case r.errorsCh <- ErrorEvent{Line: rec.Raw, Reason: "decode error"}:
	default:
	}
}

// dispatchIncoming runs every matching installed handler, joins their
// results, and emits exactly one acknowledgement per message (spec
// §4.3, invariant ii). Handlers run concurrently; the acknowledgement
// deadline bounds how long the router waits for all of them.
func (r *router) dispatchIncoming(rec *Record) {
	msg := &Message{
		ID:          rec.ID,
		Time:        rec.Time,
		Name:        rec.Name,
		Kind:        KindIncoming,
		ReturnValue: rec.ReturnValue,
		Params:      rec.Params,
	}

	entries := r.reg.matchingInstalls(rec.Name, rec.Params)
	if len(entries) == 0 {
		r.acknowledge(msg, false)
		return
	}

	type outcome struct {
		handled bool
		msg     *Message
	}
	results := make(chan outcome, len(entries))

	for _, e := range entries {
		h := e.handler
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("handler panicked", "name", msg.Name, "recover", rec)
					results <- outcome{handled: false}
				}
			}()
			hr := h(msg)
			switch hr.kind {
			case resultHandled:
				results <- outcome{handled: true}
			case resultMutated:
				results <- outcome{handled: true, msg: hr.message}
			default:
				results <- outcome{handled: false}
			}
		}()
	}

	deadline := time.NewTimer(r.cfg.acknowledgeTimeout)
	defer deadline.Stop()

	handled := false
	final := msg
	for i := 0; i < len(entries); i++ {
		select {
		case o := <-results:
			if o.handled {
				handled = true
			}
			if o.msg != nil {
				final = o.msg
			}
		case <-deadline.C:
			// spec §5: on the acknowledge deadline, ack the message as
			// received (handled=false); late/partial handler results
			// are discarded.
			r.log.Warn("ack deadline elapsed", "id", msg.ID, "name", msg.Name)
			r.acknowledge(msg, false)
			return
		}
	}
	r.acknowledge(final, handled)
}

// acknowledge emits the acknowledgement line for msg exactly once (spec
// §4.3 "Acknowledgement is strictly once").
func (r *router) acknowledge(msg *Message, handled bool) {
	if !msg.markAcknowledged() {
		return
	}
	if r.cfg.metrics != nil {
		r.cfg.metrics.IncrementAcknowledged()
	}
	if err := r.tr.writeLine(SerializeAck(msg, handled)); err != nil {
		r.log.Warn("ack write failed", "id", msg.ID, "error", err)
	}
}

func (r *router) dispatchNotification(rec *Record) {
	msg := &Message{
		ID:          rec.ID,
		Time:        rec.Time,
		Name:        rec.Name,
		Kind:        KindNotification,
		ReturnValue: rec.ReturnValue,
		Params:      rec.Params,
	}
	for _, w := range r.reg.matchingWatches(rec.Name, rec.Params) {
		go func(h Watcher) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("watcher panicked", "name", msg.Name, "recover", rec)
				}
			}()
			h(msg)
		}(w.handler)
	}
}
