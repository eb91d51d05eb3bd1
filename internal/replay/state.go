package replay

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// SlotCount is the number of audio-clip and still-image slots on the device.
const SlotCount = 16

// DeviceState is the decoded view of the device built from its records.
type DeviceState struct {
	Product string `json:"product"`
	Version string `json:"version"`

	ProjectOpen   bool    `json:"project_open"`
	ProjectMode   int     `json:"project_mode"`
	Recording     bool    `json:"recording"`
	Playing       bool    `json:"playing"`
	PlaybackSpeed int     `json:"playback_speed"`
	PlaybackRange bool    `json:"playback_range"`
	InPoint       bool    `json:"in_point"`
	Input         int     `json:"input"`
	Output        int     `json:"output"`
	AudioLevel    float64 `json:"audio_level"`

	SelectedPlaylist int `json:"selected_playlist"`
	SelectedClip     int `json:"selected_clip"`
	CuedPlaylist     int `json:"cued_playlist"`
	CuedClip         int `json:"cued_clip"`
	PlaylistLength   int `json:"playlist_length"`

	AudioClips  [SlotCount]int `json:"audio_clips"`
	StillImages [SlotCount]int `json:"still_images"`

	UpdatedAt time.Time `json:"updated_at"`
}

// InitialState returns the state assumed before the device reports anything.
func InitialState() DeviceState {
	return DeviceState{
		AudioLevel:       AudioLevelSilent,
		Input:            1,
		SelectedPlaylist: -1,
		SelectedClip:     -1,
		CuedPlaylist:     -1,
		CuedClip:         -1,
	}
}

// PollCursor walks the 16 slots of one enumerable resource, one query per
// poll tick.
type PollCursor struct {
	// Index is the next slot to query, 0..15.
	Index int `json:"index"`
	// Ready is false while a query is awaiting its response.
	Ready bool `json:"ready"`

	// pending is the slot the outstanding query asked for.
	pending int
}

func newPollCursor() PollCursor {
	return PollCursor{Ready: true}
}

// claim hands out the next slot (1-based, as sent on the wire) and marks the
// cursor busy. It reports false while a previous query is outstanding.
func (p *PollCursor) claim() (int, bool) {
	if !p.Ready {
		return 0, false
	}
	p.Ready = false
	p.pending = p.Index
	p.Index = (p.Index + 1) % SlotCount
	return p.pending + 1, true
}

// CategoryValue is the state derived from one record category.
type CategoryValue struct {
	Category string `json:"category"`
	Value    any    `json:"value"`
	Display  string `json:"display,omitempty"`
}

// StateCache holds the latest DeviceState.
//
// Writes happen only on the session event loop via Apply. Readers on other
// goroutines use Snapshot, Lookup and the predicates.
type StateCache struct {
	mu    sync.RWMutex
	state DeviceState
	audio PollCursor
	still PollCursor
}

// NewStateCache returns a cache holding InitialState.
func NewStateCache() *StateCache {
	c := &StateCache{}
	c.Reset()
	return c
}

// Reset restores the initial state and cursors.
func (c *StateCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = InitialState()
	c.audio = newPollCursor()
	c.still = newPollCursor()
}

// Apply decodes a record that answers no known command. It reports false
// for categories the cache does not track, leaving the state untouched.
// Slot records need their query and fail here; use ApplyReply.
func (c *StateCache) Apply(r Record) (bool, error) {
	return c.ApplyReply(r, "")
}

// ApplyReply decodes r as the answer to command and settles the slot
// cursor that command belongs to.
func (c *StateCache) ApplyReply(r Record, command string) (bool, error) {
	if r.Kind != KindText {
		return false, nil
	}
	decode, ok := decoders[r.Category]
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Release even on a bad value so enumeration keeps moving.
	defer c.settleLocked(command)

	if err := decode(c, r, command); err != nil {
		return true, err
	}
	c.state.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Settle releases the slot cursor whose outstanding query is command. The
// dispatcher calls it for every completed command, so an ERR, a NAK or an
// unexpected record in place of the slot reply cannot leave it busy.
// Commands that are not the cursor's own query, such as an operator's
// QAX:5, leave it alone.
func (c *StateCache) Settle(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(command)
}

func (c *StateCache) settleLocked(command string) {
	category, slot, ok := slotQuery(command)
	if !ok {
		return
	}
	cur := &c.audio
	if category == CatStillSlot {
		cur = &c.still
	}
	if !cur.Ready && cur.pending == slot-1 {
		cur.Ready = true
	}
}

// claimAudioSlot and claimStillSlot are used by the poll scheduler.
func (c *StateCache) claimAudioSlot() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio.claim()
}

func (c *StateCache) claimStillSlot() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.still.claim()
}

// AudioCursor returns a copy of the audio slot cursor.
func (c *StateCache) AudioCursor() PollCursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audio
}

// StillCursor returns a copy of the still image slot cursor.
func (c *StateCache) StillCursor() PollCursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.still
}

// Snapshot returns a copy of the current state.
func (c *StateCache) Snapshot() DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// VersionKnown reports whether a VER record has been received.
func (c *StateCache) VersionKnown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Version != ""
}

// Lookup returns the value derived from one record category.
func (c *StateCache) Lookup(category string) (CategoryValue, bool) {
	return c.Snapshot().Lookup(category)
}

// Values returns every tracked category, sorted by category code.
func (c *StateCache) Values() []CategoryValue {
	return c.Snapshot().Values()
}

// Lookup returns the value derived from one record category.
func (s DeviceState) Lookup(category string) (CategoryValue, bool) {
	v := CategoryValue{Category: category}

	switch category {
	case CatVersion:
		v.Value = map[string]string{"product": s.Product, "version": s.Version}
		v.Display = s.Product + " " + s.Version
	case CatProjectOpen:
		v.Value = s.ProjectOpen
	case CatProjectMode:
		v.Value, v.Display = s.ProjectMode, ProjectModeLabel(s.ProjectMode)
	case CatRecording:
		v.Value, v.Display = s.Recording, RecordingLabel(s.Recording)
	case CatPlaying:
		v.Value = s.Playing
	case CatPlaybackSpeed:
		v.Value = s.PlaybackSpeed
	case CatPlaybackRange:
		v.Value, v.Display = s.PlaybackRange, PlaybackRangeLabel(s.PlaybackRange)
	case CatInPoint:
		v.Value = s.InPoint
	case CatInput:
		v.Value, v.Display = s.Input, InputLabel(s.Input)
	case CatOutput:
		v.Value, v.Display = s.Output, OutputLabel(s.Output)
	case CatAudioLevel:
		v.Value, v.Display = s.AudioLevel, AudioLevelLabel(s.AudioLevel)
	case CatSelectedPlaylist:
		v.Value, v.Display = s.SelectedPlaylist, PlaylistLabel(s.SelectedPlaylist)
	case CatSelectedClip:
		v.Value = s.SelectedClip
	case CatCuedPlaylist:
		v.Value, v.Display = s.CuedPlaylist, PlaylistLabel(s.CuedPlaylist)
	case CatCuedClip:
		v.Value = s.CuedClip
	case CatAudioSlot:
		v.Value = s.AudioClips
	case CatStillSlot:
		v.Value = s.StillImages
	case CatPlaylistLength:
		v.Value = s.PlaylistLength
	default:
		return CategoryValue{}, false
	}

	if v.Display == "" {
		v.Display = displayOf(v.Value)
	}
	return v, true
}

// Values returns every tracked category, sorted by category code.
func (s DeviceState) Values() []CategoryValue {
	out := make([]CategoryValue, 0, len(decoders))
	for category := range decoders {
		if v, ok := s.Lookup(category); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func displayOf(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

// Predicates.

// RoutingMatches reports whether the current routing is in/out. A side
// given as -1 is not compared.
func (s DeviceState) RoutingMatches(in, out int) bool {
	switch {
	case in == -1:
		return out == s.Output
	case out == -1:
		return in == s.Input
	default:
		return in == s.Input && out == s.Output
	}
}

// resolveClip applies the clip addressing rules: playlist -1 is the selected
// playlist, number -1 is the last clip of the selected playlist and number 0
// is the selected clip.
func (s DeviceState) resolveClip(playlist, number int) (int, int) {
	if playlist == -1 {
		playlist = s.SelectedPlaylist
	}
	switch number {
	case -1:
		number = s.PlaylistLength
	case 0:
		number = s.SelectedClip
	}
	return playlist, number
}

// ClipSelected reports whether the addressed clip is the selected one.
func (s DeviceState) ClipSelected(playlist, number int) bool {
	p, n := s.resolveClip(playlist, number)
	return s.SelectedPlaylist == p && s.SelectedClip == n
}

// ClipCued reports whether the addressed clip is the cued one. Addressing is
// relative to the selected playlist and clip, as in ClipSelected.
func (s DeviceState) ClipCued(playlist, number int) bool {
	p, n := s.resolveClip(playlist, number)
	return s.CuedPlaylist == p && s.CuedClip == n
}

// PlaylistSelected reports whether playlist holds the selected clip.
func (s DeviceState) PlaylistSelected(playlist int) bool {
	return s.SelectedPlaylist == playlist
}

// ClipExists reports whether clip number n is within the selected playlist.
func (s DeviceState) ClipExists(n int) bool {
	return n <= s.PlaylistLength
}

// AudioClipAvailable reports whether 1-based audio slot holds a clip.
func (s DeviceState) AudioClipAvailable(slot int) bool {
	return slotSet(s.AudioClips, slot)
}

// StillImageAvailable reports whether 1-based still slot holds an image.
func (s DeviceState) StillImageAvailable(slot int) bool {
	return slotSet(s.StillImages, slot)
}

func slotSet(slots [SlotCount]int, slot int) bool {
	if slot < 1 || slot > SlotCount {
		return false
	}
	return slots[slot-1] == 1
}
