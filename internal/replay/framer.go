package replay

import (
	"iter"
	"strings"
)

// Wire bytes used by the P-20HD line protocol.
const (
	// ByteSTX prefixes every outbound command.
	ByteSTX byte = 0x02

	// ByteACK is the single-byte acknowledgment sent by the device.
	ByteACK byte = 0x06

	// ByteNAK is the single-byte rejection sent by the device.
	ByteNAK byte = 0x15

	// Terminator closes every command and textual record.
	Terminator byte = ';'

	// FieldSeparator splits a record's category from its arguments.
	FieldSeparator = ":"

	// ArgSeparator splits a record's arguments.
	ArgSeparator = ","
)

// RecordKind tags the variant carried by a Record.
type RecordKind uint8

const (
	// KindAcknowledgment is a bare ACK control byte.
	KindAcknowledgment RecordKind = iota + 1

	// KindRejection is a bare NAK control byte.
	KindRejection

	// KindText is a terminated "CCC:arg1,arg2" record.
	KindText
)

// String returns a short name for logs.
func (k RecordKind) String() string {
	switch k {
	case KindAcknowledgment:
		return "ack"
	case KindRejection:
		return "rejection"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Record is one unit demultiplexed from the device byte stream.
// Category and Args are only set for KindText.
type Record struct {
	Kind     RecordKind
	Category string
	Args     []string
}

// Ack returns an acknowledgment record.
func Ack() Record { return Record{Kind: KindAcknowledgment} }

// Rejection returns a rejection record.
func Rejection() Record { return Record{Kind: KindRejection} }

// Text returns a textual record.
func Text(category string, args ...string) Record {
	return Record{Kind: KindText, Category: category, Args: args}
}

// Arg returns the i'th argument or "" when absent.
func (r Record) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// String renders the record roughly as it appeared on the wire.
func (r Record) String() string {
	switch r.Kind {
	case KindText:
		if len(r.Args) == 0 {
			return r.Category + FieldSeparator
		}
		return r.Category + FieldSeparator + strings.Join(r.Args, ArgSeparator)
	default:
		return r.Kind.String()
	}
}

// Framer reassembles device responses that may arrive split across
// arbitrary read boundaries.
//
// Bytes are scanned strictly in arrival order, so the records produced are
// identical however the stream is chunked. Control bytes are emitted as soon
// as they are seen; textual records only once their terminator arrives.
//
// A Framer is not safe for concurrent use. The session event loop owns it.
type Framer struct {
	pending  []byte // received but not yet scanned
	fragment []byte // scanned bytes of the current unterminated record
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends p to the internal buffer and returns the records it
// completes. The sequence is lazy: bytes are scanned while the caller
// iterates, and anything left unscanned when iteration stops is kept for
// the next call.
func (f *Framer) Feed(p []byte) iter.Seq[Record] {
	f.pending = append(f.pending, p...)

	return func(yield func(Record) bool) {
		for len(f.pending) > 0 {
			b := f.pending[0]
			f.pending = f.pending[1:]

			rec, ok := f.scan(b)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
		// Release the backing array once drained.
		f.pending = nil
	}
}

// scan consumes a single byte and reports a completed record, if any.
func (f *Framer) scan(b byte) (Record, bool) {
	switch b {
	case ByteNAK:
		f.fragment = f.fragment[:0]
		return Rejection(), true
	case ByteACK:
		return Ack(), true
	case ByteSTX, '\r', '\n':
		return Record{}, false
	case Terminator:
		text := string(f.fragment)
		f.fragment = f.fragment[:0]
		return parseFragment(text)
	default:
		f.fragment = append(f.fragment, b)
		return Record{}, false
	}
}

// parseFragment decodes one terminated fragment. Fragments without a field
// separator are noise.
func parseFragment(text string) (Record, bool) {
	category, rest, found := strings.Cut(strings.TrimSpace(text), FieldSeparator)
	if !found || category == "" {
		return Record{}, false
	}

	var args []string
	if rest != "" {
		args = strings.Split(rest, ArgSeparator)
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}
	return Text(strings.TrimSpace(category), args...), true
}

// Buffered reports how many bytes are held awaiting a terminator or a scan.
func (f *Framer) Buffered() int {
	return len(f.pending) + len(f.fragment)
}

// Reset discards all buffered bytes.
func (f *Framer) Reset() {
	f.pending = nil
	f.fragment = f.fragment[:0]
}
