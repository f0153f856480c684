package yate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Connection is the application's handle to one external-module session.
// It composes a transport (C3), a registry (C4), and a router (C5) and
// exposes the request-layer operations of spec §4.4. Grounded on
// _examples/Atsika-aznet/aznet.go's top-level Conn/Listener types, which
// play the same composing role for that library's driver+transport
// pair.
type Connection struct {
	cfg *Config
	tr  *transport
	reg *registry
	rt  *router

	runDone chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewConnection builds a Connection from the given options. It does not
// connect; call Connect to establish the transport.
func NewConnection(opts ...Option) *Connection {
	cfg := applyConfig(opts)
	reg := newRegistry()
	tr := newTransport(cfg)
	rt := newRouter(cfg, tr, reg)
	return &Connection{cfg: cfg, tr: tr, reg: reg, rt: rt}
}

// Connect validates the configuration, establishes the first connection,
// starts the router, and (in network mode) starts the background
// reconnect loop. It returns once the first connection attempt has
// completed, successfully or not.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	stop := make(chan struct{})
	c.runDone = stop

	first := make(chan error, 1)
	go func() {
		c.tr.run(ctx, c.cfg.logger, c.replay, first)
	}()
	go c.rt.run(stop)
	go func() {
		<-c.cfg.ctx.Done()
		_ = c.Close(context.Background())
	}()

	return <-first
}

// replay re-advertises the registry to the engine after (re)connecting,
// in the order spec scenario S5 requires: setlocals, then installs,
// then watches. Wire forms are written directly without waiting for
// engine replies, since this runs on the connect path before any
// application operation may proceed (spec invariant iv).
func (c *Connection) replay(t *transport) {
	setlocals, installs, watches := c.reg.snapshot()
	for _, s := range setlocals {
		_ = t.writeLine(SerializeSetLocal(s.name, s.value))
	}
	for _, in := range installs {
		_ = t.writeLine(SerializeInstall(in.priority, in.key.name, in.key.filterName, in.key.filterValue))
	}
	for _, w := range watches {
		_ = t.writeLine(SerializeWatch(w.key.name, w.key.filterName, w.key.filterValue))
	}
}

// Metrics returns the connection's metrics collector.
func (c *Connection) Metrics() Metrics { return c.cfg.metrics }

// Errors returns the channel on which decode errors and engine "Error
// in ..." lines are delivered (spec §4.3, §7).
func (c *Connection) Errors() <-chan ErrorEvent { return c.rt.errorsCh }

// await is a small helper shared by every correlated operation: write
// line, then wait for either the correlation reply (nil once the
// waiter's deadline elapses) or ctx cancellation. Closing the connection
// does not wake it; the deadline does.
func (c *Connection) await(ctx context.Context, key, line string) (*Record, error) {
	ch := c.rt.await(key, c.cfg.dispatchTimeout)
	if err := c.tr.writeLine(line); err != nil {
		c.rt.resolveKey(key, nil)
		return nil, err
	}
	select {
	case rec := <-ch:
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Install registers h to run for incoming messages named name, filtered
// by filterName/filterValue if non-empty (spec §4.4 "install"). priority
// defaults to 100 when negative; 0 is the highest priority.
func (c *Connection) Install(ctx context.Context, h Handler, name string, priority int, filterName, filterValue string) (bool, error) {
	if priority < 0 {
		priority = 100
	}
	filter, err := c.reg.compileFilter(filterValue)
	if err != nil {
		return false, fmt.Errorf("yate: invalid filter for %s: %w", name, err)
	}

	key := registryKey{name: name, filterName: filterName, filterValue: filterValue}
	prevPriority, hadAny := c.reg.installPriority(name)
	samePriority := hadAny && prevPriority == priority

	prevEntry := c.reg.putInstall(key, priority, filter, h)

	if hadAny && !samePriority {
		// Priority changed for this name: the engine-side subscription
		// must be replaced (spec §4.4 "install").
		if _, err := c.await(ctx, "_uninstall,"+name, SerializeUninstall(name)); err != nil {
			return false, err
		}
	} else if prevEntry != nil {
		// Same key, same priority: swapping the handler is purely local.
		return true, nil
	} else if samePriority {
		// A new filter combination under a name already advertised at
		// this priority needs no wire round trip.
		return true, nil
	}

	rec, err := c.await(ctx, "_install,"+name, SerializeInstall(priority, name, filterName, filterValue))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil // timeout: resolves quietly per spec §7
	}
	if rec.Success == nil || !*rec.Success {
		c.reg.removeInstall(key)
		return false, nil
	}
	return true, nil
}

// Uninstall removes the registry entry for (name, filterName,
// filterValue) and, if no entries remain for name, issues %%>uninstall
// and waits for the engine's reply.
func (c *Connection) Uninstall(ctx context.Context, name, filterName, filterValue string) (bool, error) {
	key := registryKey{name: name, filterName: filterName, filterValue: filterValue}
	removed, anyRemain := c.reg.removeInstall(key)
	if !removed {
		return false, nil
	}
	if anyRemain {
		return false, nil
	}
	rec, err := c.await(ctx, "_uninstall,"+name, SerializeUninstall(name))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.Success != nil && *rec.Success, nil
}

// Watch registers w to observe messages named name (handled elsewhere or
// notifications), filtered by filterName/filterValue if non-empty.
func (c *Connection) Watch(ctx context.Context, w Watcher, name, filterName, filterValue string) (bool, error) {
	filter, err := c.reg.compileFilter(filterValue)
	if err != nil {
		return false, fmt.Errorf("yate: invalid filter for %s: %w", name, err)
	}
	key := registryKey{name: name, filterName: filterName, filterValue: filterValue}
	hadAny := c.reg.hasWatches(name)
	c.reg.putWatch(key, filter, w)
	if hadAny {
		return true, nil
	}

	rec, err := c.await(ctx, "_watch,"+name, SerializeWatch(name, filterName, filterValue))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Success == nil || !*rec.Success {
		c.reg.removeWatch(key)
		return false, nil
	}
	return true, nil
}

// Unwatch removes the registry entry for (name, filterName,
// filterValue) and, if no entries remain for name, issues %%>unwatch.
func (c *Connection) Unwatch(ctx context.Context, name, filterName, filterValue string) (bool, error) {
	key := registryKey{name: name, filterName: filterName, filterValue: filterValue}
	removed, anyRemain := c.reg.removeWatch(key)
	if !removed {
		return false, nil
	}
	if anyRemain {
		return false, nil
	}
	rec, err := c.await(ctx, "_unwatch,"+name, SerializeUnwatch(name, filterName, filterValue))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.Success != nil && *rec.Success, nil
}

// SetLocal sets (or, with value=="", reads) an engine-side configuration
// value. On success, the registry's setlocal row is updated so reconnect
// replays it (spec §4.4 "setlocal"): with the written value for a write,
// and with the engine-reported value for a read.
func (c *Connection) SetLocal(ctx context.Context, name, value string) (string, bool, error) {
	rec, err := c.await(ctx, "_setlocal,"+name, SerializeSetLocal(name, value))
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	if rec.Success == nil || !*rec.Success {
		return "", false, nil
	}
	if value != "" {
		c.reg.putSetlocal(name, value)
	} else {
		c.reg.putSetlocal(name, rec.ReturnValue)
	}
	return rec.ReturnValue, true, nil
}

// Enqueue writes msg to the wire (or the offline queue) without waiting
// for an answer (spec §4.4 "enqueue", fire-and-forget).
func (c *Connection) Enqueue(msg *Message) error {
	if msg.Kind != KindOutgoing {
		return ErrNotOutgoing
	}
	return c.tr.writeLine(SerializeMessage(msg))
}

// Dispatch writes msg and waits for the engine's answer, correlated by
// msg.ID, up to cfg.dispatchTimeout. On timeout it returns the original
// message with handled=false and no error (spec §7 "Timeout").
func (c *Connection) Dispatch(ctx context.Context, msg *Message) (*Message, bool, error) {
	if msg.Kind != KindOutgoing {
		return nil, false, ErrNotOutgoing
	}
	rec, err := c.await(ctx, "_answer,"+msg.ID, SerializeMessage(msg))
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return msg, false, nil
	}
	answered := msg.Clone()
	answered.ReturnValue = rec.ReturnValue
	answered.Params = rec.Params
	handled := rec.Success != nil && *rec.Success
	return answered, handled, nil
}

// Acknowledge permits explicit, early acknowledgement of an incoming
// message (spec §4.4 "acknowledge").
func (c *Connection) Acknowledge(msg *Message, handled bool) error {
	if !msg.markAcknowledged() {
		return ErrAlreadyAcknowledged
	}
	if c.cfg.metrics != nil {
		c.cfg.metrics.IncrementAcknowledged()
	}
	return c.tr.writeLine(SerializeAck(msg, handled))
}

// environmentKeys is the fixed set of engine.* configuration values
// GetEnvironment reads (spec §4.4 "getEnvironment").
var environmentKeys = []string{
	"version", "release", "nodename", "runid", "configname", "sharedpath",
	"configpath", "cfgsuffix", "modulepath", "modsuffix", "logfile",
	"clientmode", "supervised", "maxworkers",
}

// GetEnvironment reads the fixed set of engine configuration values via
// parallel setlocal reads. The wire-level setlocal name for each key is
// prefixed "engine." (e.g. "engine.version", "engine.runid") — these are
// the engine's own config-read setlocal names (spec §3 "Setlocal entry":
// "used to re-push configuration ... and engine.* reads"); the returned
// dictionary keeps the short, unprefixed names spec §4.4 lists. A key
// that fails or times out is simply omitted from the result, except
// runid, which (when missing or empty) falls back to a process-lifetime UUID (grounded on
// _examples/Atsika-aznet/aznet.go's connID := uuid.New().String()
// pattern) so callers can always key metrics/log correlation off it.
func (c *Connection) GetEnvironment(ctx context.Context) (map[string]string, error) {
	type result struct {
		key   string
		value string
		ok    bool
	}
	results := make(chan result, len(environmentKeys))
	var wg sync.WaitGroup
	for _, key := range environmentKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, ok, err := c.SetLocal(ctx, "engine."+key, "")
			results <- result{key: key, value: v, ok: err == nil && ok}
		}(key)
	}
	go func() { wg.Wait(); close(results) }()

	out := make(map[string]string, len(environmentKeys))
	for r := range results {
		if r.ok {
			out[r.key] = r.value
		}
	}
	if out["runid"] == "" {
		out["runid"] = processRunID
	}
	return out, nil
}

// processRunID is a process-lifetime fallback identifier used only when
// the engine doesn't answer the "runid" setlocal read.
var processRunID = uuid.New().String()
