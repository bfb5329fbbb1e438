package drift

import (
	"sort"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Diff compares two snapshots by content hash. Each added, changed or
// removed path yields exactly one event; events are ordered by path.
// Metadata-only changes (mtime, touch) produce nothing.
func Diff(baseline, current model.Snapshot, now time.Time) []model.ChangeEvent {
	var events []model.ChangeEvent

	for path, cur := range current.Files {
		prev, ok := baseline.Files[path]
		switch {
		case !ok:
			events = append(events, model.ChangeEvent{Path: path, NewHash: cur.Hash, Timestamp: now})
		case prev.Hash != cur.Hash:
			events = append(events, model.ChangeEvent{Path: path, PreviousHash: prev.Hash, NewHash: cur.Hash, Timestamp: now})
		}
	}
	for path, prev := range baseline.Files {
		if _, ok := current.Files[path]; ok {
			continue
		}
		// an unreadable path is not evidence of removal
		if _, unreadable := current.Errors[path]; unreadable {
			continue
		}
		events = append(events, model.ChangeEvent{Path: path, PreviousHash: prev.Hash, Timestamp: now})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}
