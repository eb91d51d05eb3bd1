package replay

import (
	"errors"
	"strings"
	"sync"
)

// recordingTx captures transmitted frames.
type recordingTx struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (r *recordingTx) Transmit(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, string(frame))
	return nil
}

// commands returns the transmitted command texts without framing.
func (r *recordingTx) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = strings.TrimSuffix(strings.TrimPrefix(f, string(ByteSTX)), string(Terminator))
	}
	return out
}

func (r *recordingTx) reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

var errWriteFailed = errors.New("write failed")

// collectRecords drains a Feed sequence.
func collectRecords(f *Framer, p []byte) []Record {
	var out []Record
	for rec := range f.Feed(p) {
		out = append(out, rec)
	}
	return out
}

// textReply frames a textual record as the device sends it.
func textReply(s string) []byte {
	return []byte(s + string(Terminator))
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
