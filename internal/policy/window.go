package policy

import (
	"fmt"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Window is a maintenance window during which response is alert-only.
// It is either absolute (Start/End) or recurs daily between two wall-clock
// times, possibly spanning midnight.
type Window struct {
	Name  string
	Kinds []model.IncidentKind

	Start time.Time
	End   time.Time

	Daily      bool
	DailyStart int // minutes after midnight
	DailyEnd   int
	Location   *time.Location
}

// Active reports whether now falls inside the window. Bounds are
// start-inclusive and end-exclusive.
func (w Window) Active(now time.Time) bool {
	if !w.Daily {
		return !now.Before(w.Start) && now.Before(w.End)
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if w.DailyStart <= w.DailyEnd {
		return minute >= w.DailyStart && minute < w.DailyEnd
	}
	// overnight
	return minute >= w.DailyStart || minute < w.DailyEnd
}

// Covers reports whether the window applies to kind. An empty scope covers every kind.
func (w Window) Covers(kind model.IncidentKind) bool {
	if len(w.Kinds) == 0 {
		return true
	}
	for _, k := range w.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseWindows converts configured windows. Daily bounds are interpreted in loc.
func ParseWindows(cfgs []config.WindowConfig, loc *time.Location) ([]Window, error) {
	if loc == nil {
		loc = time.Local
	}
	windows := make([]Window, 0, len(cfgs))
	for _, c := range cfgs {
		w := Window{Name: c.Name, Location: loc}
		for _, k := range c.Kinds {
			w.Kinds = append(w.Kinds, model.IncidentKind(k))
		}

		if c.DailyStart != "" || c.DailyEnd != "" {
			start, err := parseClock(c.DailyStart)
			if err != nil {
				return nil, fmt.Errorf("window %q daily_start: %w", c.Name, err)
			}
			end, err := parseClock(c.DailyEnd)
			if err != nil {
				return nil, fmt.Errorf("window %q daily_end: %w", c.Name, err)
			}
			w.Daily, w.DailyStart, w.DailyEnd = true, start, end
		} else {
			start, err := time.Parse(time.RFC3339, c.Start)
			if err != nil {
				return nil, fmt.Errorf("window %q start: %w", c.Name, err)
			}
			end, err := time.Parse(time.RFC3339, c.End)
			if err != nil {
				return nil, fmt.Errorf("window %q end: %w", c.Name, err)
			}
			w.Start, w.End = start, end
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
