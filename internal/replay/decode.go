package replay

import (
	"fmt"
	"strconv"
	"strings"
)

// Record categories understood by the state cache and dispatcher.
const (
	CatVersion          = "VER"
	CatProjectOpen      = "QPJ"
	CatProjectMode      = "QMD"
	CatRecording        = "QRC"
	CatPlaying          = "QPL"
	CatPlaybackSpeed    = "QSP"
	CatPlaybackRange    = "QSR"
	CatInPoint          = "QMI"
	CatInput            = "QIS"
	CatOutput           = "QOS"
	CatAudioLevel       = "QAL"
	CatSelectedPlaylist = "QPS"
	CatSelectedClip     = "QCS"
	CatCuedPlaylist     = "QPQ"
	CatCuedClip         = "QCQ"
	CatClipDetail       = "QCX"
	CatAudioSlot        = "QAX"
	CatStillSlot        = "QSX"
	CatPlaylistLength   = "QNC"
	CatError            = "ERR"
)

// AudioLevelSilent is the raw level the device reports for negative
// infinity, in dB.
const AudioLevelSilent = -80.1

// decoder writes one record's arguments into the device state. command is
// the query the record answers, or "" when unknown.
type decoder func(c *StateCache, r Record, command string) error

var decoders = map[string]decoder{
	CatVersion: func(c *StateCache, r Record, _ string) error {
		c.state.Product = r.Arg(0)
		c.state.Version = r.Arg(1)
		return nil
	},
	CatProjectOpen:      flagDecoder(func(s *DeviceState, v bool) { s.ProjectOpen = v }),
	CatProjectMode:      intDecoder(func(s *DeviceState, v int) { s.ProjectMode = v }),
	CatRecording:        flagDecoder(func(s *DeviceState, v bool) { s.Recording = v }),
	CatPlaying:          intDecoder(func(s *DeviceState, v int) { s.Playing = v != 0 }),
	CatPlaybackSpeed:    intDecoder(func(s *DeviceState, v int) { s.PlaybackSpeed = v }),
	CatPlaybackRange:    flagDecoder(func(s *DeviceState, v bool) { s.PlaybackRange = v }),
	CatInPoint:          flagDecoder(func(s *DeviceState, v bool) { s.InPoint = v }),
	CatInput:            intDecoder(func(s *DeviceState, v int) { s.Input = v }),
	CatOutput:           intDecoder(func(s *DeviceState, v int) { s.Output = v }),
	CatAudioLevel:       intDecoder(func(s *DeviceState, v int) { s.AudioLevel = float64(v) / 10 }),
	CatSelectedPlaylist: intDecoder(func(s *DeviceState, v int) { s.SelectedPlaylist = v }),
	CatSelectedClip:     intDecoder(func(s *DeviceState, v int) { s.SelectedClip = v }),
	CatCuedPlaylist:     intDecoder(func(s *DeviceState, v int) { s.CuedPlaylist = v }),
	CatCuedClip:         intDecoder(func(s *DeviceState, v int) { s.CuedClip = v }),
	CatPlaylistLength:   intDecoder(func(s *DeviceState, v int) { s.PlaylistLength = v }),
	CatAudioSlot: func(c *StateCache, r Record, command string) error {
		return fillSlot(&c.state.AudioClips, r, command)
	},
	CatStillSlot: func(c *StateCache, r Record, command string) error {
		return fillSlot(&c.state.StillImages, r, command)
	},
	// Clip detail carries nothing the cache tracks.
	CatClipDetail: func(*StateCache, Record, string) error { return nil },
}

// IsStateCategory reports whether records of category update the cache.
func IsStateCategory(category string) bool {
	_, ok := decoders[category]
	return ok
}

func intDecoder(set func(*DeviceState, int)) decoder {
	return func(c *StateCache, r Record, _ string) error {
		v, err := intArg(r, 0)
		if err != nil {
			return err
		}
		set(&c.state, v)
		return nil
	}
}

func flagDecoder(set func(*DeviceState, bool)) decoder {
	return intDecoder(func(s *DeviceState, v int) { set(s, v == 1) })
}

// fillSlot stores a slot reply at the slot named by the query it answers.
// The record itself does not say which slot it describes.
func fillSlot(slots *[SlotCount]int, r Record, command string) error {
	category, slot, ok := slotQuery(command)
	if !ok || category != r.Category {
		return fmt.Errorf("%w: %s reply without a matching slot query (answering %q)",
			ErrMalformedRecord, r.Category, Redact(command))
	}
	v, err := intArg(r, 0)
	if err != nil {
		return err
	}
	slots[slot-1] = v
	return nil
}

// slotQuery parses "QAX:5" into its category and 1-based slot.
func slotQuery(command string) (string, int, bool) {
	category, arg, found := strings.Cut(command, FieldSeparator)
	if !found || (category != CatAudioSlot && category != CatStillSlot) {
		return "", 0, false
	}
	slot, err := strconv.Atoi(arg)
	if err != nil || slot < 1 || slot > SlotCount {
		return "", 0, false
	}
	return category, slot, true
}

func intArg(r Record, i int) (int, error) {
	v, err := strconv.Atoi(r.Arg(i))
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d: %w", ErrMalformedRecord, r.Category, i, err)
	}
	return v, nil
}

// ErrorCode is the numeric code carried by an ERR record.
type ErrorCode int

// Device error taxonomy.
const (
	ErrorSyntax          ErrorCode = 0
	ErrorInvalidFunction ErrorCode = 4
	ErrorOutOfRange      ErrorCode = 5
)

// String returns the error class name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorSyntax:
		return "syntax error"
	case ErrorInvalidFunction:
		return "invalid function error"
	case ErrorOutOfRange:
		return "out of range error"
	default:
		return "unknown error"
	}
}

// ParseErrorCode reads the code of an ERR record. Unparseable codes map to
// -1, which classifies as unknown.
func ParseErrorCode(r Record) ErrorCode {
	v, err := strconv.Atoi(r.Arg(0))
	if err != nil {
		return -1
	}
	return ErrorCode(v)
}

// Display labels.

// ProjectModeLabel names a QMD value.
func ProjectModeLabel(mode int) string {
	if mode == 0 {
		return "Resolution"
	}
	return "Frame Rate"
}

// RecordingLabel is the label of the record button: the action it would
// perform next.
func RecordingLabel(recording bool) string {
	if recording {
		return "Stop"
	}
	return "Rec"
}

// PlaybackRangeLabel names a QSR value.
func PlaybackRangeLabel(lit bool) string {
	if lit {
		return "Lit"
	}
	return "Unlit"
}

// InputLabel names a QIS input configuration. Unknown values give "".
func InputLabel(input int) string {
	switch input {
	case 1:
		return "Live 1"
	case 2:
		return "Live 2"
	case 3:
		return "PinP"
	case 4:
		return "Split"
	default:
		return ""
	}
}

// OutputLabel names a QOS output configuration.
func OutputLabel(output int) string {
	if output == 1 {
		return "Live"
	}
	return "Replay"
}

// AudioLevelLabel formats an audio level in dB, showing the silent
// sentinel as "-INF".
func AudioLevelLabel(level float64) string {
	if level == AudioLevelSilent {
		return "-INF"
	}
	return strconv.FormatFloat(level, 'f', -1, 64)
}

// PlaylistLabel names a playlist index: 0 is the clip list, 1..8 are
// palettes.
func PlaylistLabel(playlist int) string {
	if playlist == 0 {
		return "Clip List"
	}
	return "Palette " + strconv.Itoa(playlist)
}
