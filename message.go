package yate

import (
	"sync"
	"time"
)

// Kind identifies the role of a Message (spec §3 "Message").
type Kind int

const (
	KindIncoming Kind = iota
	KindOutgoing
	KindAnswer
	KindNotification
	KindInstall
	KindUninstall
	KindWatch
	KindUnwatch
	KindSetLocal
	KindError
)

// String implements fmt.Stringer. Exposed directly (not as a closure) per
// the spec §9 resolution of the source's getter/setter inconsistency bug.
func (k Kind) String() string {
	switch k {
	case KindIncoming:
		return "incoming"
	case KindOutgoing:
		return "outgoing"
	case KindAnswer:
		return "answer"
	case KindNotification:
		return "notification"
	case KindInstall:
		return "install"
	case KindUninstall:
		return "uninstall"
	case KindWatch:
		return "watch"
	case KindUnwatch:
		return "unwatch"
	case KindSetLocal:
		return "setlocal"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the tagged record spec §3 defines. Fields are plain, exported
// data — no getter/setter closures, resolving the §9 "name/broadcast"
// inconsistency the source exhibited.
type Message struct {
	ID          string
	Time        time.Time
	Name        string
	Kind        Kind
	ReturnValue string
	Success     *bool
	Priority    *int
	Params      Params

	mu           sync.Mutex
	acknowledged bool
}

// NewMessage creates a fresh outgoing application message with a unique id
// (spec §3: "Outgoing messages are created by the application with a fresh
// id <time>.<monotonic-nanos> and kind=outgoing").
func NewMessage(name, returnValue string) *Message {
	return &Message{
		ID:          newMessageID(),
		Time:        time.Now(),
		Name:        name,
		Kind:        KindOutgoing,
		ReturnValue: returnValue,
		Params:      NewParams(),
	}
}

// Acknowledged reports whether the router has already emitted this
// message's acknowledgement (spec invariant ii: exactly one ack, first
// wins).
func (m *Message) Acknowledged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledged
}

// markAcknowledged flips the acknowledged flag and reports whether this
// call was the one that did it (false if already set — first wins).
func (m *Message) markAcknowledged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acknowledged {
		return false
	}
	m.acknowledged = true
	return true
}

// Clone returns a shallow copy of m with its own Params map, suitable for
// handlers that want to mutate parameters without racing the router.
// Fields are copied one by one rather than by struct assignment so the
// embedded mutex is never copied (a copied Message must start with its
// own unlocked mutex, not a byte-for-byte copy of m's lock state).
func (m *Message) Clone() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &Message{
		ID:           m.ID,
		Time:         m.Time,
		Name:         m.Name,
		Kind:         m.Kind,
		ReturnValue:  m.ReturnValue,
		Success:      m.Success,
		Priority:     m.Priority,
		Params:       make(Params, len(m.Params)),
		acknowledged: m.acknowledged,
	}
	for k, v := range m.Params {
		cp.Params[k] = v
	}
	return cp
}

// resultKind discriminates the HandlerResult sum type (spec §9: handler
// polymorphism is reified as a closed tagged variant instead of the
// source's reflection-based bool/message/nothing/future duck typing).
type resultKind int

const (
	resultIgnored resultKind = iota
	resultHandled
	resultMutated
)

// HandlerResult is what a Handler returns: either a plain handled/not
// verdict, a mutated message whose parameters replace the original for
// acknowledgement, or Ignored (acknowledge unchanged, not handled).
type HandlerResult struct {
	kind    resultKind
	message *Message
}

// Handled reports the message as handled (ok=true) or not (ok=false),
// acknowledging its parameters unchanged.
func Handled(ok bool) HandlerResult {
	if ok {
		return HandlerResult{kind: resultHandled}
	}
	return HandlerResult{kind: resultIgnored}
}

// Mutated reports the message as handled with parameters replaced by msg's.
func Mutated(msg *Message) HandlerResult {
	return HandlerResult{kind: resultMutated, message: msg}
}

// Ignored reports the message as not handled, parameters unchanged.
func Ignored() HandlerResult {
	return HandlerResult{kind: resultIgnored}
}

// Handler processes one incoming message (spec §4.3 "incoming"). A panic
// or any application-level failure should be recovered by the caller and
// treated as Ignored() (spec §7 "Handler failure").
type Handler func(msg *Message) HandlerResult

// Watcher observes a notification or a watched incoming message; its
// return value is never used for acknowledgement (spec §4.3 "notification").
type Watcher func(msg *Message)
