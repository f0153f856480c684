// Package yate implements the client half of the YATE external-module
// protocol: a line-oriented, escape-encoded wire format exchanged over
// stdio or a stream socket with a telephony engine.
package yate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// escape encodes s for inclusion in a wire field. Bytes below 32, ':', and
// (if non-zero) extra are written as '%' followed by the byte+64; a
// literal '%' is written as "%%". extra lets key/value tokens additionally
// escape '=' so a value containing '=' can't be confused with the
// key/value separator (spec §4.1).
//
// This is the one place the source's early codec had a bug (spec §9: the
// first _escape implementation appended the input byte again after the
// escape branch, doubling it); this implementation appends each input
// byte's encoding exactly once.
func escape(s string, extra byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteByte('%')
			b.WriteByte('%')
		case c < 32 || c == ':' || (extra != 0 && c == extra):
			b.WriteByte('%')
			b.WriteByte(c + 64)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// unescape decodes a field produced by escape. "%X" becomes X-64 unless
// X=='%', in which case it is a literal '%'. A trailing lone '%' is
// treated as a literal '%' rather than an error, so the codec never fails
// on malformed input (spec §4.1 "The codec never panics on malformed
// input").
func unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte('%')
			break
		}
		i++
		n := s[i]
		if n == '%' {
			b.WriteByte('%')
		} else {
			b.WriteByte(n - 64)
		}
	}
	return b.String()
}

// Record is one parsed inbound line (spec §3 groups this information
// under "Message", but a Record also covers reply lines that never
// become an application-visible Message — e.g. a setlocal acknowledgement
// is consumed entirely by the request layer's correlation table).
type Record struct {
	Kind        Kind
	ID          string
	Time        time.Time
	Name        string
	ReturnValue string
	Success     *bool
	Priority    *int
	Params      Params
	Raw         string // the original line, always populated
}

// ParseLine parses one inbound line per spec §4.1/§6. It never errors:
// any unrecognized verb or malformed numeric field produces a
// Kind: KindError record carrying the original line as Raw and
// ReturnValue (spec §4.1 "Error handling").
func ParseLine(line string) *Record {
	fields := strings.Split(line, ":")
	verb := fields[0]

	switch verb {
	case "%%>message":
		return parseMessageLine(fields, line)
	case "%%<message":
		return parseReplyMessageLine(fields, line)
	case "%%<install":
		return parseInstallLike(fields, line, KindInstall, true)
	case "%%<uninstall":
		return parseInstallLike(fields, line, KindUninstall, true)
	case "%%<watch":
		return parseInstallLike(fields, line, KindWatch, false)
	case "%%<unwatch":
		return parseInstallLike(fields, line, KindUnwatch, false)
	case "%%<setlocal":
		return parseSetLocalReply(fields, line)
	default:
		if strings.HasPrefix(line, "Error in") {
			return &Record{Kind: KindError, ReturnValue: line, Raw: line}
		}
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
}

// parseParams turns the k=v fields starting at fields[from] into Params,
// unescaping both key and value.
func parseParams(fields []string, from int) Params {
	p := NewParams()
	for _, tok := range fields[from:] {
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			// A bare token with no '=' carries no value; keep it with an
			// empty value rather than dropping it.
			p[unescape(tok)] = ""
			continue
		}
		key := unescape(tok[:eq])
		val := unescape(tok[eq+1:])
		p[key] = val
	}
	return p
}

// parseMessageLine handles "%%>message:<id>:<time>:<name>:<reserved>:<retvalue>[:k=v...]".
// The field between name and retvalue is reserved (always empty on
// output, ignored on input) to keep this verb's field count aligned
// with %%<message's optional name slot; see SerializeMessage.
func parseMessageLine(fields []string, line string) *Record {
	if len(fields) < 6 {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	return &Record{
		Kind:        KindIncoming,
		ID:          unescape(fields[1]),
		Time:        time.Unix(ts, 0),
		Name:        unescape(fields[3]),
		ReturnValue: unescape(fields[5]),
		Params:      parseParams(fields, 6),
		Raw:         line,
	}
}

// parseReplyMessageLine handles "%%<message:<id>:<processed>:[<name>]:<retvalue>...".
// A non-empty id means an answer to a prior dispatch; an empty id means a
// notification for a message handled elsewhere (spec §4.3 "answer",
// "notification").
func parseReplyMessageLine(fields []string, line string) *Record {
	if len(fields) < 5 {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	id := unescape(fields[1])
	processed, ok := parseBoolField(fields[2])
	if !ok {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	name := unescape(fields[3])
	rec := &Record{
		ID:          id,
		Name:        name,
		ReturnValue: unescape(fields[4]),
		Success:     &processed,
		Params:      parseParams(fields, 5),
		Raw:         line,
	}
	if id == "" {
		rec.Kind = KindNotification
	} else {
		rec.Kind = KindAnswer
	}
	return rec
}

// parseInstallLike handles "%%<install:<priority>:<name>:<success>" and
// "%%<watch:<name>:<success>" shapes (hasPriority distinguishes them).
func parseInstallLike(fields []string, line string, kind Kind, hasPriority bool) *Record {
	want := 3
	if hasPriority {
		want = 4
	}
	if len(fields) < want {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	idx := 1
	var priority *int
	if hasPriority {
		n, err := strconv.Atoi(fields[idx])
		if err != nil {
			return &Record{Kind: KindError, ReturnValue: line, Raw: line}
		}
		priority = &n
		idx++
	}
	name := unescape(fields[idx])
	idx++
	success, ok := parseBoolField(fields[idx])
	if !ok {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	return &Record{Kind: kind, Name: name, Priority: priority, Success: &success, Raw: line}
}

func parseSetLocalReply(fields []string, line string) *Record {
	if len(fields) < 4 {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	name := unescape(fields[1])
	value := unescape(fields[2])
	success, ok := parseBoolField(fields[3])
	if !ok {
		return &Record{Kind: KindError, ReturnValue: line, Raw: line}
	}
	return &Record{Kind: KindSetLocal, Name: name, ReturnValue: value, Success: &success, Raw: line}
}

func parseBoolField(s string) (bool, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// serializeParams appends ":k=v" tokens for p's non-internal keys in
// sorted order (spec §3 "insertion order irrelevant"; sorting just makes
// wire output deterministic for tests and logs).
func serializeParams(b *strings.Builder, p Params) {
	for _, k := range p.sortedKeys() {
		b.WriteByte(':')
		b.WriteString(escape(k, '='))
		b.WriteByte('=')
		b.WriteString(escape(p[k], '='))
	}
}

// SerializeConnect builds "%%>connect:<role>[:<id>[:<type>]]" (spec §6).
func SerializeConnect(role, id, typ string) string {
	var b strings.Builder
	b.WriteString("%%>connect:")
	b.WriteString(escape(role, 0))
	if id != "" || typ != "" {
		b.WriteByte(':')
		b.WriteString(escape(id, 0))
	}
	if typ != "" {
		b.WriteByte(':')
		b.WriteString(escape(typ, 0))
	}
	return b.String()
}

// SerializeOutput builds "%%>output:<line>". Per spec §6 the text is not
// escape-encoded — it is meant to land verbatim in the engine's log.
func SerializeOutput(line string) string {
	return "%%>output:" + line
}

// SerializeSetLocal builds "%%>setlocal:<name>:<value>".
func SerializeSetLocal(name, value string) string {
	return "%%>setlocal:" + escape(name, 0) + ":" + escape(value, 0)
}

// SerializeInstall builds "%%>install:<priority>:<name>[:<filter>:<fvalue>]".
func SerializeInstall(priority int, name, filterName, filterValue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%%%%>install:%d:%s", priority, escape(name, 0))
	if filterName != "" {
		b.WriteByte(':')
		b.WriteString(escape(filterName, 0))
		b.WriteByte(':')
		b.WriteString(escape(filterValue, 0))
	}
	return b.String()
}

// SerializeUninstall builds "%%>uninstall:<name>".
func SerializeUninstall(name string) string {
	return "%%>uninstall:" + escape(name, 0)
}

// SerializeWatch builds "%%>watch:<name>[:<filter>:<fvalue>]".
func SerializeWatch(name, filterName, filterValue string) string {
	var b strings.Builder
	b.WriteString("%%>watch:")
	b.WriteString(escape(name, 0))
	if filterName != "" {
		b.WriteByte(':')
		b.WriteString(escape(filterName, 0))
		b.WriteByte(':')
		b.WriteString(escape(filterValue, 0))
	}
	return b.String()
}

// SerializeUnwatch builds "%%>unwatch:<name>[:<filter>:<fvalue>]".
func SerializeUnwatch(name, filterName, filterValue string) string {
	var b strings.Builder
	b.WriteString("%%>unwatch:")
	b.WriteString(escape(name, 0))
	if filterName != "" {
		b.WriteByte(':')
		b.WriteString(escape(filterName, 0))
		b.WriteByte(':')
		b.WriteString(escape(filterValue, 0))
	}
	return b.String()
}

// SerializeMessage builds "%%>message:<id>:<time>:<name>::<retvalue>[:k=v...]"
// for an outgoing or an echoed-incoming message. The empty field before
// retvalue is reserved (see parseMessageLine).
func SerializeMessage(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%%%%>message:%s:%d:%s::%s",
		escape(msg.ID, 0), msg.Time.Unix(), escape(msg.Name, 0), escape(msg.ReturnValue, 0))
	serializeParams(&b, msg.Params)
	return b.String()
}

// SerializeAck builds "%%<message:<id>:<handled>::<retvalue>[:k=v...]"
// (spec §4.3 "Acknowledgement format").
func SerializeAck(msg *Message, handled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%%%%<message:%s:%t::%s", escape(msg.ID, 0), handled, escape(msg.ReturnValue, 0))
	serializeParams(&b, msg.Params)
	return b.String()
}
