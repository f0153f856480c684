package yate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
)

// transport owns one physical connection to the engine: a line reader
// goroutine and a single-writer serializer. Grounded on the mutex
// discipline documented in _examples/Atsika-aznet/aznet.go's Conn (wmu
// guards writes, rmu guards reads, lock order wmu never held while
// calling into the network) generalized from a binary framed connection
// to the line-oriented external-module wire.
type transport struct {
	cfg *Config

	local bool // stdio mode: no reconnect, no %%>connect line

	// wmu serializes writes to conn; never held while blocking on a
	// read or while invoking the observer callback.
	wmu  sync.Mutex
	conn io.ReadWriteCloser

	// connected is flipped under wmu and read without it elsewhere for
	// best-effort checks; callers needing a strict answer use isConnected.
	connected bool

	lines chan string // inbound, parsed-free lines delivered to the router

	// connDone is closed by readLoop when it returns, signaling run's
	// reconnect loop that the current physical connection has dropped.
	// Replaced with a fresh channel on every dial.
	connDone chan struct{}

	// offline is the FIFO of serialized lines queued while disconnected
	// (spec §4.2 "park queue"); bounded by cfg.queueLimit.
	offlineMu sync.Mutex
	offline   []string

	scheduler *reconnectScheduler

	closedMu sync.Mutex
	closed   bool
}

func (t *transport) setClosed(v bool) {
	t.closedMu.Lock()
	t.closed = v
	t.closedMu.Unlock()
}

func (t *transport) isClosed() bool {
	t.closedMu.Lock()
	defer t.closedMu.Unlock()
	return t.closed
}

// newTransport builds a transport for cfg without dialing; call dial to
// establish the first connection.
func newTransport(cfg *Config) *transport {
	return &transport{
		cfg:       cfg,
		local:     cfg.local(),
		lines:     make(chan string, 64),
		scheduler: newReconnectScheduler(cfg.reconnectTimeout),
	}
}

// resolveAddr parses cfg's host/port/path into a network and address
// suitable for net.Dial, adapted from the host-parsing logic in
// _examples/Atsika-aznet/endpoint.go (there applied to SAS-bearing
// Azure URLs; here to the plain host[:port] / unix-path forms spec §6
// allows).
func resolveAddr(cfg *Config) (network, address string) {
	if cfg.path != "" {
		return "unix", cfg.path
	}
	host := cfg.host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	port := cfg.port
	if port <= 0 {
		port = DefaultPort
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(port))
}

// dial establishes the underlying connection: os.Stdin/os.Stdout for
// local mode, or a fresh net.Dial for network mode. On success it starts
// the read loop and, in network mode, emits the %%>connect line and
// replays the registry via replay.
func (t *transport) dial(ctx context.Context, replay func(*transport)) error {
	if t.local {
		t.wmu.Lock()
		t.conn = stdioConn{}
		t.connected = true
		t.connDone = make(chan struct{})
		done := t.connDone
		t.wmu.Unlock()
		go t.readLoop(done)
		return nil
	}

	network, address := resolveAddr(t.cfg)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("yate: dial %s %s: %w", network, address, err)
	}

	t.wmu.Lock()
	t.conn = conn
	t.connected = true
	t.connDone = make(chan struct{})
	done := t.connDone
	t.wmu.Unlock()

	go t.readLoop(done)

	if err := t.writeLine(SerializeConnect("global", t.cfg.trackName, "data")); err != nil {
		return err
	}
	if replay != nil {
		replay(t)
	}
	t.flushOffline()
	return nil
}

// stdioConn adapts os.Stdin/os.Stdout to io.ReadWriteCloser for local
// mode; Close is a no-op since the process owns its own stdio.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error                { return nil }

// readLoop owns the single reader goroutine for this physical
// connection; it never holds wmu while blocked on Read, matching the
// teacher's "never hold the write lock across a blocking network call"
// rule.
func (t *transport) readLoop(done chan struct{}) {
	t.wmu.Lock()
	conn := t.conn
	t.wmu.Unlock()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, t.cfg.bufSize), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if t.cfg.observer != nil {
			t.cfg.observer(false, line)
		}
		if t.cfg.metrics != nil {
			t.cfg.metrics.IncrementLinesReceived()
			t.cfg.metrics.IncrementBytesReceived(int64(len(line)))
		}
		t.lines <- line
	}

	t.wmu.Lock()
	t.connected = false
	t.wmu.Unlock()
	close(done)
}

// isConnected reports whether the transport currently believes it has a
// live connection.
func (t *transport) isConnected() bool {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.connected
}

// writeLine serializes line to the wire (or to the offline queue if
// disconnected), appending a trailing newline and truncating to
// cfg.bufSize if needed (spec §4.2).
func (t *transport) writeLine(line string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if len(line) > t.cfg.bufSize {
		line = line[:t.cfg.bufSize]
	}

	t.wmu.Lock()
	connected := t.connected
	conn := t.conn
	t.wmu.Unlock()

	if !connected {
		return t.enqueueOffline(line)
	}

	if t.cfg.observer != nil {
		t.cfg.observer(true, line)
	}

	t.wmu.Lock()
	_, err := io.WriteString(conn, line+"\n")
	t.wmu.Unlock()

	if err != nil {
		t.wmu.Lock()
		t.connected = false
		t.wmu.Unlock()
		return t.enqueueOffline(line)
	}

	if t.cfg.metrics != nil {
		t.cfg.metrics.IncrementLinesSent()
		t.cfg.metrics.IncrementBytesSent(int64(len(line)))
	}
	return nil
}

// enqueueOffline appends line to the offline FIFO, honoring cfg.queueLimit
// (spec §4.2 "park queue has a configurable bound; overflow is an
// error").
func (t *transport) enqueueOffline(line string) error {
	if !t.cfg.reconnect && !t.local {
		return ErrNotConnected
	}
	t.offlineMu.Lock()
	defer t.offlineMu.Unlock()
	if len(t.offline) >= t.cfg.queueLimit {
		return ErrQueueFull
	}
	t.offline = append(t.offline, line)
	return nil
}

// flushOffline drains the offline FIFO onto the wire in order, called
// once the connection is writable again (spec invariant iii: "flushed in
// order after connect").
func (t *transport) flushOffline() {
	t.offlineMu.Lock()
	pending := t.offline
	t.offline = nil
	t.offlineMu.Unlock()

	for _, line := range pending {
		if err := t.writeLine(line); err != nil {
			t.offlineMu.Lock()
			t.offline = append(t.offline, line)
			t.offlineMu.Unlock()
			return
		}
	}
}

// close shuts down the physical connection and marks the transport
// closed, which ends the reconnect loop in run and makes later writes
// fail with ErrClosed; used by Connection.Close.
func (t *transport) close() error {
	t.setClosed(true)
	t.wmu.Lock()
	conn := t.conn
	t.connected = false
	t.wmu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// run drives the connection lifecycle: an initial dial (whose outcome is
// sent once on first, if non-nil) followed, in network mode, by a
// reconnect loop that waits for disconnect, pauses per the scheduler,
// and redials, until ctx is canceled, Close is called, or reconnect is
// disabled. Local mode dials once and returns after reporting the
// result; its lines are delivered for the remaining lifetime of the
// process by the already-running read loop.
func (t *transport) run(ctx context.Context, log *slog.Logger, replay func(*transport), first chan<- error) {
	err := t.dial(ctx, replay)
	if first != nil {
		first <- err
	}
	if t.local {
		return
	}
	if err == nil {
		t.scheduler.Reset()
		if t.cfg.metrics != nil {
			t.cfg.metrics.IncrementReconnects()
		}
	} else {
		log.Warn("dial failed", "error", err)
	}

	for {
		if t.isClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err == nil {
			t.wmu.Lock()
			done := t.connDone
			t.wmu.Unlock()
			// Block until the read loop observes disconnect or ctx ends.
			select {
			case <-ctx.Done():
				return
			case <-done:
			}
		}

		if t.isClosed() || !t.cfg.reconnect {
			return
		}
		if werr := t.scheduler.Wait(ctx); werr != nil {
			return
		}

		err = t.dial(ctx, replay)
		if err != nil {
			log.Warn("dial failed", "error", err)
			continue
		}
		t.scheduler.Reset()
		if t.cfg.metrics != nil {
			t.cfg.metrics.IncrementReconnects()
		}
	}
}
