package yate

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// newTestConnection wires a Connection's transport directly to client
// (the application-side end of a net.Pipe), starting the read loop and
// router so Watch/Dispatch/Enqueue behave as they would over a real
// socket, without going through Connect's dial/reconnect machinery.
func newTestConnection(t *testing.T, client net.Conn) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	reg := newRegistry()
	tr := newTransport(cfg)
	tr.conn = client
	tr.connected = true
	tr.connDone = make(chan struct{})
	rt := newRouter(cfg, tr, reg)

	stop := make(chan struct{})
	go tr.readLoop(tr.connDone)
	go rt.run(stop)

	conn := &Connection{cfg: cfg, tr: tr, reg: reg, rt: rt, runDone: stop}
	t.Cleanup(func() { close(stop) })
	return conn
}

func TestClassifyTarget(t *testing.T) {
	cases := map[string]targetFamily{
		"wave/record/-":     familyWaveRecord,
		"tone/dtmf/1":       familyToneDTMF,
		"tone/dtmfstr/1234": familyToneDTMF,
		"wave/play/-":       familyDefault,
		"dumb/":             familyDefault,
	}
	for dst, want := range cases {
		if got := classifyTarget(dst); got != want {
			t.Errorf("classifyTarget(%q) = %v, want %v", dst, got, want)
		}
	}
}

func TestNewChannelGeneratesIDWhenMissing(t *testing.T) {
	seed := NewMessage("call.route", "")
	ch := NewChannel(nil, seed)
	if ch.ID() == "" {
		t.Error("expected a synthesized non-empty id")
	}
	if ch.Status() != StatusIncoming {
		t.Errorf("Status() = %v, want StatusIncoming", ch.Status())
	}
}

func TestNewChannelUsesSeedID(t *testing.T) {
	seed := NewMessage("call.route", "")
	seed.Params["id"] = "abc-123"
	seed.Params["peerid"] = "peer-456"
	ch := NewChannel(nil, seed)
	if ch.ID() != "abc-123" {
		t.Errorf("ID() = %q, want abc-123", ch.ID())
	}
	if ch.peerid != "peer-456" {
		t.Errorf("peerid = %q, want peer-456", ch.peerid)
	}
}

func TestResetClosesOldSignalAndInstallsNew(t *testing.T) {
	seed := NewMessage("call.route", "")
	ch := NewChannel(nil, seed)
	old := ch.resetSignal()

	ch.Reset()

	select {
	case <-old:
	default:
		t.Error("the old reset signal should be closed after Reset")
	}

	newSig := ch.resetSignal()
	select {
	case <-newSig:
		t.Error("the new reset signal should not be closed")
	default:
	}
}

func TestApplyExecuteSetsRingingAndPeerid(t *testing.T) {
	seed := NewMessage("call.route", "")
	ch := NewChannel(nil, seed)

	exec := NewMessage("call.execute", "")
	exec.Params["peerid"] = "peer-789"
	ch.applyExecute(exec)

	if ch.Status() != StatusRinging {
		t.Errorf("Status() = %v, want StatusRinging", ch.Status())
	}
	if ch.peerid != "peer-789" {
		t.Errorf("peerid = %q, want peer-789", ch.peerid)
	}
}

func TestApplyExecuteKeepsExistingPeeridWhenAbsent(t *testing.T) {
	seed := NewMessage("call.route", "")
	seed.Params["peerid"] = "original"
	ch := NewChannel(nil, seed)

	exec := NewMessage("call.execute", "")
	ch.applyExecute(exec)

	if ch.peerid != "original" {
		t.Errorf("peerid = %q, want original to be preserved", ch.peerid)
	}
}

func TestEofNotificationShape(t *testing.T) {
	msg := eofNotification("target-1")
	if msg.Name != "chan.notify" {
		t.Errorf("Name = %q, want chan.notify", msg.Name)
	}
	if msg.Kind != KindNotification {
		t.Errorf("Kind = %v, want KindNotification", msg.Kind)
	}
	if msg.Params["reason"] != "eof" {
		t.Errorf("Params[reason] = %q, want eof", msg.Params["reason"])
	}
	if msg.Params["targetid"] != "target-1" {
		t.Errorf("Params[targetid] = %q, want target-1", msg.Params["targetid"])
	}
}

func TestEofNotificationOmitsEmptyTargetID(t *testing.T) {
	msg := eofNotification("")
	if _, ok := msg.Params["targetid"]; ok {
		t.Error("an empty targetID should not populate Params[targetid]")
	}
}

func TestChannelStatusString(t *testing.T) {
	cases := map[ChannelStatus]string{
		StatusIncoming: "incoming",
		StatusRinging:  "ringing",
		StatusAnswered: "answered",
		StatusDropped:  "dropped",
		StatusHangup:   "hangup",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

// TestCallToSequence exercises spec §8 S6: callTo watches chan.notify
// filtered by a generated targetid, masquerades a chan.attach, and
// resolves with the first matching notification.
func TestCallToSequence(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTestConnection(t, client)

	seed := NewMessage("call.route", "")
	seed.Params["id"] = "C"
	seed.Params["peerid"] = "P"
	ch := NewChannel(conn, seed)

	var watchLine, masqLine string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(server)

		if !scanner.Scan() {
			return
		}
		watchLine = scanner.Text()
		if _, err := io.WriteString(server, "%%<watch:chan.notify:true\n"); err != nil {
			return
		}

		if !scanner.Scan() {
			return
		}
		masqLine = scanner.Text()
		targetID, _ := ParseLine(masqLine).Params.Get("notify")
		io.WriteString(server, "%%<message::true:chan.notify::targetid="+targetID+"\n")

		// CallTo removes its targetid watch before returning.
		if !scanner.Scan() {
			return
		}
		io.WriteString(server, "%%<unwatch:chan.notify:true\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := ch.CallTo(ctx, "wave/play/x.au", NewParams())
	if err != nil {
		t.Fatalf("CallTo returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine goroutine did not complete")
	}

	if !strings.HasPrefix(watchLine, "%%>watch:chan.notify:targetid:") {
		t.Errorf("watch line = %q, want a chan.notify/targetid watch", watchLine)
	}
	masqRec := ParseLine(masqLine)
	if masqRec.Name != "chan.masquerade" {
		t.Errorf("masquerade Name = %q, want chan.masquerade", masqRec.Name)
	}
	if v, _ := masqRec.Params.Get("message"); v != "chan.attach" {
		t.Errorf("masquerade message param = %q, want chan.attach", v)
	}
	if v, _ := masqRec.Params.Get("id"); v != "P" {
		t.Errorf("masquerade id param = %q, want P (peerid)", v)
	}
	if v, _ := masqRec.Params.Get("source"); v != "wave/play/x.au" {
		t.Errorf("masquerade source param = %q, want wave/play/x.au", v)
	}
	if v, _ := masqRec.Params.Get("consumer"); v != "wave/record/-" {
		t.Errorf("masquerade consumer param = %q, want wave/record/-", v)
	}

	if msg.Name != "chan.notify" {
		t.Errorf("resolved message Name = %q, want chan.notify", msg.Name)
	}
}

// TestCallToResetCancels exercises spec §8 S6's reset clause: resetting
// the channel before the notification arrives rejects the pending CallTo
// with ErrReset.
func TestCallToResetCancels(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTestConnection(t, client)

	seed := NewMessage("call.route", "")
	seed.Params["id"] = "C"
	seed.Params["peerid"] = "P"
	ch := NewChannel(conn, seed)

	go func() {
		scanner := bufio.NewScanner(server)
		if !scanner.Scan() {
			return
		}
		io.WriteString(server, "%%<watch:chan.notify:true\n")
		// Deliberately never answer the masquerade with a notification;
		// the channel is reset instead.
		scanner.Scan()
		// The reset CallTo still removes its targetid watch on the way out.
		if !scanner.Scan() {
			return
		}
		io.WriteString(server, "%%<unwatch:chan.notify:true\n")
	}()

	resultCh := make(chan error, 1)
	go func() {
		_, err := ch.CallTo(context.Background(), "wave/play/x.au", NewParams())
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ch.Reset()

	select {
	case err := <-resultCh:
		if err != ErrReset {
			t.Errorf("CallTo error = %v, want ErrReset", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CallTo did not return after Reset")
	}
}

// autoReplyWatches is a minimal stand-in engine that acknowledges every
// %%>watch/%%>unwatch with success, and additionally emits a synthetic
// call.execute notification the moment a call.execute watch is
// installed, unblocking Channel.Init's "wait for call.execute" branch.
func autoReplyWatches(server net.Conn) {
	go func() {
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			fields := strings.Split(scanner.Text(), ":")
			switch fields[0] {
			case "%%>watch":
				name := fields[1]
				io.WriteString(server, "%%<watch:"+name+":true\n")
				if name == "call.execute" {
					io.WriteString(server, "%%<message::true:call.execute::id=C:peerid=P2\n")
				}
			case "%%>unwatch":
				io.WriteString(server, "%%<unwatch:"+fields[1]+":true\n")
			}
		}
	}()
}

// TestInitImmediateWhenSeedIsCallExecute exercises Channel.Init's first
// branch (spec §4.5 "init()": a notification-form call.execute seed
// makes the channel ready immediately, after the long-lived
// chan.notify/chan.hangup watchers are installed).
func TestInitImmediateWhenSeedIsCallExecute(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTestConnection(t, client)
	autoReplyWatches(server)

	seed := NewMessage("call.execute", "")
	seed.Params["id"] = "C"
	seed.Params["peerid"] = "P"
	ch := NewChannel(conn, seed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Init(ctx, seed); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if !ch.Ready() {
		t.Error("Ready() = false after Init with a call.execute seed")
	}
	if ch.Status() != StatusRinging {
		t.Errorf("Status() = %v, want StatusRinging", ch.Status())
	}
}

// TestInitWaitsForCallExecute exercises Channel.Init's second branch: a
// call.route seed installs a one-shot call.execute watch and blocks
// until the engine delivers that notification.
func TestInitWaitsForCallExecute(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTestConnection(t, client)
	autoReplyWatches(server)

	seed := NewMessage("call.route", "")
	seed.Params["id"] = "C"
	ch := NewChannel(conn, seed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Init(ctx, seed); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if !ch.Ready() {
		t.Error("Ready() = false after Init resolved the call.execute watch")
	}
	if ch.peerid != "P2" {
		t.Errorf("peerid = %q, want P2 (from the call.execute notification)", ch.peerid)
	}
}

// TestCallJustSequence exercises Channel.CallJust: it dispatches a
// chan.masquerade wrapping call.execute and updates peerid from the
// correlated answer.
func TestCallJustSequence(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := newTestConnection(t, client)

	seed := NewMessage("call.route", "")
	seed.Params["id"] = "C"
	seed.Params["peerid"] = "P"
	ch := NewChannel(conn, seed)

	var masqLine string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(server)
		if !scanner.Scan() {
			return
		}
		masqLine = scanner.Text()
		rec := ParseLine(masqLine)
		io.WriteString(server, "%%<message:"+rec.ID+":true::ok:peerid=NEWPEER\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	answer, handled, err := ch.CallJust(ctx, "sip/200", NewParams())
	if err != nil {
		t.Fatalf("CallJust returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine goroutine did not complete")
	}

	if !handled {
		t.Error("CallJust handled = false, want true")
	}
	masqRec := ParseLine(masqLine)
	if v, _ := masqRec.Params.Get("message"); v != "call.execute" {
		t.Errorf("masquerade message param = %q, want call.execute", v)
	}
	if v, _ := masqRec.Params.Get("callto"); v != "sip/200" {
		t.Errorf("masquerade callto param = %q, want sip/200", v)
	}
	if answer.ReturnValue != "ok" {
		t.Errorf("answer.ReturnValue = %q, want ok", answer.ReturnValue)
	}
	if ch.peerid != "NEWPEER" {
		t.Errorf("peerid = %q, want NEWPEER", ch.peerid)
	}
}
