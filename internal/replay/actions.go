package replay

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Params are the named arguments of an action.
type Params map[string]any

// Action builds a protocol command from its parameters and the current
// device state. Toggles and relative adjustments read the state.
type Action func(p Params, s DeviceState) (string, error)

const (
	// maxAudioLevel is the loudest level VOL accepts, in dB.
	maxAudioLevel = 10.0

	// maxSpeed is the playback speed ceiling for SPC, in percent.
	maxSpeed = 100
)

// actions maps action names to builders. Names are the ones accepted on the
// command topic and the HTTP API in place of raw command text.
var actions = map[string]Action{
	"recording": func(p Params, s DeviceState) (string, error) {
		return toggle(p, s.Recording, "RES", "REC", "REC", "RES")
	},
	"playback": func(p Params, s DeviceState) (string, error) {
		return toggle(p, s.Playing, "PUS", "PLY", "PLY", "PUS")
	},
	"jog": func(p Params, _ DeviceState) (string, error) {
		sign, err := direction(p)
		if err != nil {
			return "", err
		}
		return withArg("JOG", sign), nil
	},
	"shuttle": func(p Params, _ DeviceState) (string, error) {
		sign, err := direction(p)
		if err != nil {
			return "", err
		}
		speed, err := p.intIn("speed", 1, 8)
		if err != nil {
			return "", err
		}
		return withArg("SHT", sign*speed), nil
	},
	"playback_speed": buildPlaybackSpeed,
	"speed_range": func(p Params, _ DeviceState) (string, error) {
		return onOff(p, "SPR")
	},
	"mark_in": func(p Params, _ DeviceState) (string, error) {
		return sourceArg(p, "MIN")
	},
	"mark_out": func(p Params, _ DeviceState) (string, error) {
		return sourceArg(p, "MOT")
	},
	"clip_create": func(p Params, s DeviceState) (string, error) {
		source, err := p.intIn("source", -1, 1)
		if err != nil {
			return "", err
		}
		if source == -1 {
			source = s.Output
		}
		return withArg("MCL", source), nil
	},
	"clip_select": func(p Params, s DeviceState) (string, error) {
		return clipNumber(p, s, "CLS")
	},
	"clip_cue": func(p Params, s DeviceState) (string, error) {
		return clipNumber(p, s, "CLQ")
	},
	"clip_delete": func(p Params, s DeviceState) (string, error) {
		return clipNumber(p, s, "CLD")
	},
	"bookmark_set": func(p Params, _ DeviceState) (string, error) {
		return sourceArg(p, "BMK")
	},
	"bookmark_delete": func(Params, DeviceState) (string, error) {
		return "DMK", nil
	},
	"timeline_jump": func(p Params, _ DeviceState) (string, error) {
		switch target := p.text("target", ""); target {
		case "next":
			return "JNB", nil
		case "previous":
			return "JPB", nil
		case "start":
			return "JTP", nil
		case "end":
			return "JED", nil
		default:
			return "", fmt.Errorf("%w: target %q", ErrInvalidCommand, target)
		}
	},
	"clip_play": func(Params, DeviceState) (string, error) {
		return "APC", nil
	},
	"playlist_select": func(p Params, _ DeviceState) (string, error) {
		playlist, err := p.intIn("playlist", minPlaylist, maxPlaylist)
		if err != nil {
			return "", err
		}
		return withArg("PLS", playlist), nil
	},
	"playlist_autoplay": buildAutoplay,
	"palette_add": func(p Params, _ DeviceState) (string, error) {
		palette, err := p.intIn("palette", 1, maxPlaylist)
		if err != nil {
			return "", err
		}
		return withArg("ATP", palette), nil
	},
	"input": func(p Params, _ DeviceState) (string, error) {
		input, err := p.intIn("input", 1, 4)
		if err != nil {
			return "", err
		}
		return withArg("SLI", input), nil
	},
	"output": func(p Params, _ DeviceState) (string, error) {
		output, err := p.intIn("output", 0, 1)
		if err != nil {
			return "", err
		}
		return withArg("SLO", output), nil
	},
	"still_image": func(p Params, _ DeviceState) (string, error) {
		slot, err := p.intIn("slot", 0, SlotCount)
		if err != nil {
			return "", err
		}
		if slot == 0 {
			return "STS", nil
		}
		return withArg("STP", slot), nil
	},
	"audio_clip": func(p Params, _ DeviceState) (string, error) {
		slot, err := p.intIn("slot", 0, SlotCount)
		if err != nil {
			return "", err
		}
		if slot == 0 {
			return "AUS", nil
		}
		return withArg("AUP", slot), nil
	},
	"audio_level": buildAudioLevel,
	"active_sensing": func(Params, DeviceState) (string, error) {
		return "ACS", nil
	},
	"shutdown": func(Params, DeviceState) (string, error) {
		return CmdShutdown, nil
	},
}

// BuildAction resolves a named action to command text.
func BuildAction(name string, p Params, s DeviceState) (string, error) {
	build, ok := actions[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	cmd, err := build(p, s)
	if err != nil {
		return "", fmt.Errorf("action %s: %w", name, err)
	}
	return cmd, nil
}

// IsAction reports whether name is in the action catalog.
func IsAction(name string) bool {
	_, ok := actions[name]
	return ok
}

// ActionNames lists the catalog, sorted.
func ActionNames() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toggle resolves mode "toggle" (the default), "on" or "off".
func toggle(p Params, active bool, whenActive, whenIdle, on, off string) (string, error) {
	switch mode := p.text("mode", "toggle"); mode {
	case "toggle":
		if active {
			return whenActive, nil
		}
		return whenIdle, nil
	case "on":
		return on, nil
	case "off":
		return off, nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
}

// onOff encodes the device's inverted switch: 0 is on, 1 is off.
func onOff(p Params, cmd string) (string, error) {
	switch mode := p.text("mode", "on"); mode {
	case "on":
		return withArg(cmd, 0), nil
	case "off":
		return withArg(cmd, 1), nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
}

// sourceArg takes the timeline: 0 replay, 1 live.
func sourceArg(p Params, cmd string) (string, error) {
	source, err := p.intIn("source", 0, 1)
	if err != nil {
		return "", err
	}
	return withArg(cmd, source), nil
}

// direction maps "forward" and "reverse" to a sign.
func direction(p Params) (int, error) {
	switch dir := p.text("direction", "forward"); dir {
	case "forward":
		return 1, nil
	case "reverse":
		return -1, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidCommand, dir)
	}
}

// clipNumber applies the clip addressing rules: -1 is the last clip of the
// selected playlist and 0 the selected clip.
func clipNumber(p Params, s DeviceState, cmd string) (string, error) {
	n, err := p.intIn("number", -1, 512)
	if err != nil {
		return "", err
	}
	_, n = s.resolveClip(0, n)
	return withArg(cmd, n), nil
}

func buildAutoplay(p Params, s DeviceState) (string, error) {
	start := true
	switch mode := p.text("mode", "toggle"); mode {
	case "toggle":
		start = !s.Playing
	case "start":
	case "stop":
		start = false
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
	if !start {
		return "SAP", nil
	}
	return clipNumber(p, s, "APL")
}

func buildPlaybackSpeed(p Params, s DeviceState) (string, error) {
	speed, err := p.intIn("speed", 0, maxSpeed)
	if err != nil {
		return "", err
	}
	switch mode := p.text("mode", "set"); mode {
	case "set":
	case "inc":
		speed = min(s.PlaybackSpeed+speed, maxSpeed)
	case "dec":
		speed = max(s.PlaybackSpeed-speed, 0)
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
	if p.flag("limit") && speed > maxSpeed-1 {
		speed = maxSpeed - 1
	}
	return withArg("SPC", speed), nil
}

func buildAudioLevel(p Params, s DeviceState) (string, error) {
	level, err := p.number("level")
	if err != nil {
		return "", err
	}
	switch mode := p.text("mode", "set"); mode {
	case "set":
	case "inc":
		level = s.AudioLevel + level
	case "dec":
		level = s.AudioLevel - level
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
	level = math.Max(AudioLevelSilent, math.Min(maxAudioLevel, level))
	return withArg("VOL", int(math.Round(level*10))), nil
}

// Parameter accessors. Values decoded from JSON arrive as float64 or string.

func (p Params) text(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (p Params) flag(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func (p Params) number(key string) (float64, error) {
	switch v := p[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, key, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidCommand, key)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidCommand, key, v)
	}
}

func (p Params) intIn(key string, lo, hi int) (int, error) {
	f, err := p.number(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be a whole number", ErrInvalidCommand, key)
	}
	n := int(f)
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s %d outside %d..%d", ErrInvalidCommand, key, n, lo, hi)
	}
	return n, nil
}
