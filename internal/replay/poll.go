package replay

import (
	"strconv"
)

// PollBattery is the ordered set of queries sent on every poll tick.
var PollBattery = []string{
	CatProjectOpen,
	CatProjectMode,
	CatRecording,
	CatPlaying,
	CatPlaybackSpeed,
	CatPlaybackRange,
	CatInPoint,
	CatInput,
	CatOutput,
	CatAudioLevel,
	CatSelectedPlaylist,
	CatSelectedClip,
	CatCuedPlaylist,
	CatCuedClip,
	CatAudioSlot,
	CatStillSlot,
	CatPlaylistLength,
}

// Palette range accepted by the playlist clip count query.
const (
	minPlaylist = 0
	maxPlaylist = 8
)

// PollScheduler builds and submits the poll battery.
//
// Slot queries are parameterised by the cache's cursors and skipped while the
// previous query for that resource is unanswered, so each tick asks for at
// most one slot of each kind.
type PollScheduler struct {
	queue *CommandQueue
	cache *StateCache

	skipped uint64
}

// NewPollScheduler creates a scheduler feeding queue from cache.
func NewPollScheduler(queue *CommandQueue, cache *StateCache) *PollScheduler {
	return &PollScheduler{queue: queue, cache: cache}
}

// Tick submits one battery. It reports false when the tick was skipped
// because earlier commands are still queued, which keeps the backlog to a
// single battery on a slow device.
func (p *PollScheduler) Tick() (bool, error) {
	if p.queue.Len() > 0 {
		p.skipped++
		return false, nil
	}

	commands := p.Battery()
	for _, cmd := range commands {
		if err := p.queue.Submit(cmd); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Battery renders the commands for one tick, claiming slot cursors as it
// goes.
func (p *PollScheduler) Battery() []string {
	commands := make([]string, 0, len(PollBattery))
	for _, cat := range PollBattery {
		switch cat {
		case CatAudioSlot:
			if slot, ok := p.cache.claimAudioSlot(); ok {
				commands = append(commands, withArg(cat, slot))
			}
		case CatStillSlot:
			if slot, ok := p.cache.claimStillSlot(); ok {
				commands = append(commands, withArg(cat, slot))
			}
		case CatPlaylistLength:
			playlist := p.cache.Snapshot().SelectedPlaylist
			if playlist >= minPlaylist && playlist <= maxPlaylist {
				commands = append(commands, withArg(cat, playlist))
			} else {
				commands = append(commands, cat)
			}
		default:
			commands = append(commands, cat)
		}
	}
	return commands
}

// Skipped returns how many ticks found the previous battery still queued.
func (p *PollScheduler) Skipped() uint64 {
	return p.skipped
}

func withArg(cmd string, arg int) string {
	return cmd + FieldSeparator + strconv.Itoa(arg)
}
