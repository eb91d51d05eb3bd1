package replay

import (
	"reflect"
	"testing"
)

func TestFramerFeed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Record
	}{
		{
			name:  "acknowledgment",
			input: "\x06",
			want:  []Record{Ack()},
		},
		{
			name:  "rejection",
			input: "\x15",
			want:  []Record{Rejection()},
		},
		{
			name:  "version record",
			input: "VER:P-20HD,1.02;",
			want:  []Record{Text("VER", "P-20HD", "1.02")},
		},
		{
			name:  "leading start marker is stripped",
			input: "\x02QPL:1;",
			want:  []Record{Text("QPL", "1")},
		},
		{
			name:  "several records in one chunk",
			input: "QPJ:1;QRC:0;\x06QAL:-801;",
			want: []Record{
				Text("QPJ", "1"),
				Text("QRC", "0"),
				Ack(),
				Text("QAL", "-801"),
			},
		},
		{
			name:  "fragment without separator is noise",
			input: "garbage;QSP:100;",
			want:  []Record{Text("QSP", "100")},
		},
		{
			name:  "empty category is noise",
			input: ":1;",
			want:  nil,
		},
		{
			name:  "line endings ignored",
			input: "QIS:2;\r\n",
			want:  []Record{Text("QIS", "2")},
		},
		{
			name:  "rejection discards partial fragment",
			input: "QP\x15S:3;",
			want:  []Record{Rejection(), Text("S", "3")},
		},
		{
			name:  "record without arguments",
			input: "QCX:;",
			want:  []Record{Text("QCX")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer()
			got := collectRecords(f, []byte(tt.input))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFramerChunkBoundaryInvariance(t *testing.T) {
	stream := []byte("\x06VER:P-20HD,1.02;\x06QPJ:1;QMD:0;QAL:-801;\x15QAX:1;ERR:5;QNC:12;")

	want := collectRecords(NewFramer(), stream)
	if len(want) != 10 {
		t.Fatalf("whole stream produced %d records, want 10", len(want))
	}

	// Every two-way split.
	for i := 0; i <= len(stream); i++ {
		f := NewFramer()
		got := collectRecords(f, stream[:i])
		got = append(got, collectRecords(f, stream[i:])...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: got %v, want %v", i, got, want)
		}
	}

	// One byte at a time.
	f := NewFramer()
	var got []Record
	for i := range stream {
		got = append(got, collectRecords(f, stream[i:i+1])...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("byte-wise: got %v, want %v", got, want)
	}
}

func TestFramerRetainsUnterminatedFragment(t *testing.T) {
	f := NewFramer()

	if got := collectRecords(f, []byte("QSP:5")); len(got) != 0 {
		t.Fatalf("unterminated fragment produced %v", got)
	}
	if f.Buffered() != len("QSP:5") {
		t.Errorf("Buffered() = %d, want %d", f.Buffered(), len("QSP:5"))
	}

	got := collectRecords(f, []byte("0;"))
	want := []Record{Text("QSP", "50")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d after terminator, want 0", f.Buffered())
	}
}

func TestFramerStopIsRestartable(t *testing.T) {
	f := NewFramer()

	var first []Record
	for rec := range f.Feed([]byte("QPJ:1;QRC:1;QPL:0;")) {
		first = append(first, rec)
		break
	}
	if len(first) != 1 || first[0].Category != "QPJ" {
		t.Fatalf("first record = %v, want QPJ", first)
	}

	rest := collectRecords(f, nil)
	want := []Record{Text("QRC", "1"), Text("QPL", "0")}
	if !reflect.DeepEqual(rest, want) {
		t.Errorf("resumed records = %v, want %v", rest, want)
	}
}

func TestFramerReset(t *testing.T) {
	f := NewFramer()
	collectRecords(f, []byte("QAL:-8"))
	f.Reset()

	got := collectRecords(f, []byte("QPL:1;"))
	want := []Record{Text("QPL", "1")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after Reset got %v, want %v", got, want)
	}
}

func TestRecordString(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Ack(), "ack"},
		{Rejection(), "rejection"},
		{Text("VER", "P-20HD", "1.0"), "VER:P-20HD,1.0"},
		{Text("QCX"), "QCX:"},
	}
	for _, tt := range tests {
		if got := tt.rec.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
