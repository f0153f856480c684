package yate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelStatus is a call leg's position in the state machine spec §4.5
// defines: incoming -> ringing -> answered -> dropped|hangup.
type ChannelStatus int

const (
	StatusIncoming ChannelStatus = iota
	StatusRinging
	StatusAnswered
	StatusDropped
	StatusHangup
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusIncoming:
		return "incoming"
	case StatusRinging:
		return "ringing"
	case StatusAnswered:
		return "answered"
	case StatusDropped:
		return "dropped"
	case StatusHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// ErrReset is returned by an in-flight channel operation when the
// channel's reset signal fires before the operation completes (spec §9
// "Cancellation via reset").
var ErrReset = fmt.Errorf("yate: channel reset")

// Channel is the C7 call-leg abstraction: a small state machine layered
// on the request layer that sequences chan.attach / call.execute /
// call.ringing / call.answered / call.drop interactions, with
// cancellation via a per-channel reset signal (spec §4.5). Grounded on
// the per-connection state composition of _examples/Atsika-aznet/aznet.go,
// generalized from a transport-level connection to a call-level one.
type Channel struct {
	conn *Connection

	mu     sync.Mutex
	id     string
	peerid string
	status ChannelStatus
	ready  bool

	resetMu sync.Mutex
	resetCh chan struct{}
}

// NewChannel builds a Channel seeded by an incoming call.route or
// call.execute message (spec §4.5). id and peerid are read from the
// seed message's parameters; if id is empty, one is synthesized.
func NewChannel(conn *Connection, seed *Message) *Channel {
	id, _ := seed.Params.Get("id")
	peerid, _ := seed.Params.Get("peerid")
	if id == "" {
		id = uuid.New().String()
	}
	return &Channel{
		conn:    conn,
		id:      id,
		peerid:  peerid,
		status:  StatusIncoming,
		resetCh: make(chan struct{}),
	}
}

// ID returns the channel's id.
func (ch *Channel) ID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.id
}

// Status returns the channel's current state.
func (ch *Channel) Status() ChannelStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Ready reports whether init has completed.
func (ch *Channel) Ready() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ready
}

func (ch *Channel) setStatus(s ChannelStatus) {
	ch.mu.Lock()
	ch.status = s
	ch.mu.Unlock()
}

// resetSignal returns the channel's current cancellation channel.
func (ch *Channel) resetSignal() chan struct{} {
	ch.resetMu.Lock()
	defer ch.resetMu.Unlock()
	return ch.resetCh
}

// Reset cancels every in-flight operation on this channel; waiters
// selecting on the reset signal resolve with ErrReset, and the channel
// installs a fresh signal for subsequent operations.
func (ch *Channel) Reset() {
	ch.resetMu.Lock()
	close(ch.resetCh)
	ch.resetCh = make(chan struct{})
	ch.resetMu.Unlock()
}

// Init completes channel setup: if seed was itself a call.execute
// notification, the channel is ready as soon as the long-lived
// chan.notify/chan.hangup watchers (installChanNotify) are installed;
// otherwise it installs a one-shot watcher for call.execute filtered by
// id and blocks until that arrives, ctx is done, or the channel is
// reset (spec §4.5 "init()"). This is the only path that brings a
// NewChannel-created leg to Ready(); ToChannel performs the equivalent
// steps for the channel-mode capture flow.
func (ch *Channel) Init(ctx context.Context, seed *Message) error {
	if seed.Name == "call.execute" {
		ch.applyExecute(seed)
		return ch.finishInit(ctx)
	}

	resultCh := make(chan *Message, 1)
	filter := regexp.QuoteMeta(ch.id)
	_, err := ch.conn.Watch(ctx, func(msg *Message) {
		select {
		case resultCh <- msg:
		default:
		}
	}, "call.execute", "id", filter)
	if err != nil {
		return err
	}
	defer ch.conn.Unwatch(ctx, "call.execute", "id", filter)

	select {
	case msg := <-resultCh:
		ch.applyExecute(msg)
		return ch.finishInit(ctx)
	case <-ch.resetSignal():
		return ErrReset
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishInit installs the long-lived chan.notify/chan.hangup watchers
// and marks the channel ready (spec §4.5: "installs a long-lived watcher
// on chan.notify ... and a watcher on chan.hangup").
func (ch *Channel) finishInit(ctx context.Context) error {
	if err := ch.installChanNotify(ctx); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.ready = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) applyExecute(msg *Message) {
	peerid, _ := msg.Params.Get("peerid")
	ch.mu.Lock()
	if peerid != "" {
		ch.peerid = peerid
	}
	ch.status = StatusRinging
	ch.mu.Unlock()
}

// installChanNotify sets up the long-lived watcher on chan.notify and
// chan.hangup filtered by this channel's id, as spec §4.5 requires:
// "installs a long-lived watcher on chan.notify filtered by id ... and
// a watcher on chan.hangup filtered by id that flips ready=false,
// status=hangup, and removes every registry entry whose
// (filterName=id, filterValue=this.id) pair matches."
func (ch *Channel) installChanNotify(ctx context.Context) error {
	idFilter := regexp.QuoteMeta(ch.id)
	if _, err := ch.conn.Watch(ctx, func(*Message) {}, "chan.notify", "id", idFilter); err != nil {
		return err
	}
	_, err := ch.conn.Watch(ctx, func(*Message) {
		ch.mu.Lock()
		ch.ready = false
		ch.status = StatusHangup
		ch.mu.Unlock()
		ch.conn.reg.removeByFilter("id", ch.id)
	}, "chan.hangup", "id", idFilter)
	return err
}

// targetFamily classifies a callTo destination per spec §4.5.
type targetFamily int

const (
	familyWaveRecord targetFamily = iota
	familyToneDTMF
	familyDefault
)

func classifyTarget(dst string) targetFamily {
	switch {
	case strings.HasPrefix(dst, "wave/record/"):
		return familyWaveRecord
	case strings.HasPrefix(dst, "tone/dtmf/") || strings.HasPrefix(dst, "tone/dtmfstr/"):
		return familyToneDTMF
	default:
		return familyDefault
	}
}

// CallTo attaches media described by dst to this channel (spec §4.5
// "callTo(dst, params) — media attach"). It returns the first chan.notify
// carrying the generated targetid, a timeout sentinel (reason=eof), or
// ErrReset if the channel is reset first.
func (ch *Channel) CallTo(ctx context.Context, dst string, params Params) (*Message, error) {
	ch.mu.Lock()
	peerid := ch.peerid
	ch.mu.Unlock()

	targetID := newTargetID(ch.conn.cfg.trackName)
	family := classifyTarget(dst)

	masquerade := NewMessage("chan.masquerade", "")
	for k, v := range params {
		masquerade.Params[k] = v
	}
	masquerade.Params["message"] = "chan.attach"
	masquerade.Params["id"] = peerid

	timeout := ch.conn.cfg.callTimeout
	if d := params.GetDuration("timeout", 0); d > 0 {
		timeout = d
	}

	switch family {
	case familyWaveRecord:
		masquerade.Params["source"] = "wave/play/-"
		masquerade.Params["consumer"] = dst
		if _, ok := params.Get("maxlen"); !ok {
			masquerade.Params["maxlen"] = "180000"
		}
	case familyToneDTMF:
		masquerade.Params["id"] = peerid
		masquerade.Params["override"] = dst
		if strings.HasPrefix(dst, "tone/dtmfstr/") {
			digits := strings.TrimPrefix(dst, "tone/dtmfstr/")
			timeout = time.Duration(250*len(digits)) * time.Millisecond
		} else {
			timeout = 250 * time.Millisecond
		}
		if d := params.GetDuration("timeout", 0); d > 0 {
			timeout = d
		}
		if err := ch.conn.Enqueue(masquerade); err != nil {
			return nil, err
		}
		return ch.waitTimeoutOrReset(ctx, timeout)
	default:
		masquerade.Params["source"] = dst
		masquerade.Params["consumer"] = "wave/record/-"
	}

	masquerade.Params["notify"] = targetID

	notifyCh := make(chan *Message, 1)
	idFilter := "^" + regexp.QuoteMeta(targetID) + "$"
	if _, err := ch.conn.Watch(ctx, func(msg *Message) {
		select {
		case notifyCh <- msg:
		default:
		}
	}, "chan.notify", "targetid", idFilter); err != nil {
		return nil, err
	}
	defer ch.conn.Unwatch(ctx, "chan.notify", "targetid", idFilter)

	if err := ch.conn.Enqueue(masquerade); err != nil {
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-notifyCh:
		return msg, nil
	case <-t.C:
		return eofNotification(targetID), nil
	case <-ch.resetSignal():
		return nil, ErrReset
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *Channel) waitTimeoutOrReset(ctx context.Context, d time.Duration) (*Message, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return eofNotification(""), nil
	case <-ch.resetSignal():
		return nil, ErrReset
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func eofNotification(targetID string) *Message {
	m := NewMessage("chan.notify", "")
	m.Kind = KindNotification
	m.Params["reason"] = "eof"
	if targetID != "" {
		m.Params["targetid"] = targetID
	}
	return m
}

// CallJust redirects the call to dst (spec §4.5 "callJust(dst, params) —
// redirect"). It dispatches a chan.masquerade wrapping call.execute and
// updates peerid from the answer when the answer carries one. The
// channel's status is not changed by CallJust.
func (ch *Channel) CallJust(ctx context.Context, dst string, params Params) (*Message, bool, error) {
	ch.mu.Lock()
	id := ch.id
	ch.mu.Unlock()

	masquerade := NewMessage("chan.masquerade", "")
	for k, v := range params {
		masquerade.Params[k] = v
	}
	masquerade.Params["message"] = "call.execute"
	masquerade.Params["id"] = id
	masquerade.Params["callto"] = dst

	answer, handled, err := ch.conn.Dispatch(ctx, masquerade)
	if err != nil {
		return nil, false, err
	}
	if peerid, ok := answer.Params.Get("peerid"); ok && peerid != "" {
		ch.mu.Lock()
		ch.peerid = peerid
		ch.mu.Unlock()
	}
	return answer, handled, nil
}

// transition dispatches one of ringing/progress/answered, setting status
// per spec §4.5 ("answered forces status=answered, others set
// status=ringing unless already answered").
func (ch *Channel) transition(ctx context.Context, verb string, params Params) (bool, error) {
	ch.mu.Lock()
	id := ch.id
	already := ch.status == StatusAnswered
	ch.mu.Unlock()

	masquerade := NewMessage("chan.masquerade", "")
	for k, v := range params {
		masquerade.Params[k] = v
	}
	masquerade.Params["message"] = verb
	masquerade.Params["id"] = id

	_, handled, err := ch.conn.Dispatch(ctx, masquerade)
	if err != nil {
		return false, err
	}

	if verb == "call.answered" {
		ch.setStatus(StatusAnswered)
	} else if !already {
		ch.setStatus(StatusRinging)
	}
	return handled, nil
}

// Ringing dispatches call.ringing for this channel.
func (ch *Channel) Ringing(ctx context.Context, params Params) (bool, error) {
	return ch.transition(ctx, "call.ringing", params)
}

// Progress dispatches call.progress for this channel.
func (ch *Channel) Progress(ctx context.Context, params Params) (bool, error) {
	return ch.transition(ctx, "call.progress", params)
}

// Answered dispatches call.answered for this channel.
func (ch *Channel) Answered(ctx context.Context, params Params) (bool, error) {
	return ch.transition(ctx, "call.answered", params)
}

// Hangup dispatches call.drop for this channel with the given reason
// and sets status=dropped (spec §4.5 "hangup(reason)").
func (ch *Channel) Hangup(ctx context.Context, reason string) error {
	ch.mu.Lock()
	id := ch.id
	ch.mu.Unlock()

	drop := NewMessage("call.drop", "")
	drop.Params["id"] = id
	if reason != "" {
		drop.Params["reason"] = reason
	}
	_, _, err := ch.conn.Dispatch(ctx, drop)
	ch.setStatus(StatusDropped)
	return err
}

// ToChannel configures this connection to operate as a single synthetic
// channel: it assigns a synthetic peerid, installs itself as a one-shot,
// highest-priority (0) call.execute handler to capture the
// engine-originated call, and returns the resulting Channel once that
// call arrives (spec §4.5 "Channel-mode alternative"). The caller is
// expected to call Hangup (or let a terminal CallJust complete) and then
// Close the connection; the engine expects the process to exit shortly
// after either event.
func (c *Connection) ToChannel(ctx context.Context) (*Channel, error) {
	ch := &Channel{
		conn:    c,
		id:      uuid.New().String(),
		peerid:  uuid.New().String(),
		status:  StatusIncoming,
		resetCh: make(chan struct{}),
	}

	captured := make(chan *Message, 1)
	ok, err := c.Install(ctx, func(msg *Message) HandlerResult {
		select {
		case captured <- msg:
		default:
		}
		return Handled(true)
	}, "call.execute", 0, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("yate: could not install call.execute capture handler")
	}

	select {
	case msg := <-captured:
		// One-shot: drop the capture handler once the call is in hand.
		_, _ = c.Uninstall(ctx, "call.execute", "", "")
		ch.applyExecute(msg)
		if err := ch.finishInit(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
