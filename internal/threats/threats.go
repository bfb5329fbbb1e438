package threats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

// DefaultLimit bounds how many resolutions are kept per incident kind
const DefaultLimit = 20

// Resolution is a past incident together with the commands that cleared it
type Resolution struct {
	IncidentID string         `json:"incident_id"`
	Severity   model.Severity `json:"severity"`
	Title      string         `json:"title"`
	Commands   []string       `json:"commands"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Knowledge keeps the most recent resolutions per incident kind
type Knowledge struct {
	store store.Store
	limit int
}

// New creates a knowledge store keeping at most limit entries per kind
func New(s store.Store, limit int) *Knowledge {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Knowledge{store: s, limit: limit}
}

// Key is the store key holding resolutions for kind
func Key(kind model.IncidentKind) string {
	return "threats/" + string(kind)
}

// Record adds a resolution for inc. Nothing is stored without commands.
func (k *Knowledge) Record(ctx context.Context, inc model.Incident, commands []string, at time.Time) error {
	if len(commands) == 0 {
		return nil
	}
	entry := Resolution{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		Title:      inc.Title,
		Commands:   append([]string(nil), commands...),
		ResolvedAt: at.UTC(),
	}
	return k.store.Update(ctx, Key(inc.Kind), func(prev []byte) ([]byte, error) {
		var list []Resolution
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &list); err != nil {
				return nil, fmt.Errorf("decode resolutions: %w", err)
			}
		}
		// newest first
		list = append([]Resolution{entry}, list...)
		if len(list) > k.limit {
			list = list[:k.limit]
		}
		return json.Marshal(list)
	})
}

// Recent returns up to n resolutions for kind, newest first
func (k *Knowledge) Recent(ctx context.Context, kind model.IncidentKind, n int) ([]Resolution, error) {
	var list []Resolution
	if err := store.GetJSON(ctx, k.store, Key(kind), &list); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return list, nil
}

// Context renders resolutions as prompt text
func Context(list []Resolution) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous incidents of this kind and the commands that resolved them:\n")
	for _, r := range list {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Severity, r.Title)
		cmds := r.Commands
		if len(cmds) > 5 {
			cmds = cmds[:5]
		}
		fmt.Fprintf(&b, "  Resolved by: %s\n", strings.Join(cmds, "; "))
	}
	return b.String()
}

// FindingsKey holds vulnerability findings from periodic scans
const FindingsKey = "threats/findings"

// Finding is a weakness a scan reported on the host. It is advisory: no
// incident is opened and nothing is executed for it.
type Finding struct {
	ID          string          `json:"threat_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    model.Severity  `json:"severity"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	LastSeen    time.Time       `json:"last_seen"`
	Sightings   int             `json:"sightings"`
}

// RecordFinding stores f and reports whether it is new. A finding whose
// title matches a stored one only bumps that entry's sightings.
func (k *Knowledge) RecordFinding(ctx context.Context, f Finding, at time.Time) (Finding, bool, error) {
	at = at.UTC()
	var (
		stored  Finding
		created bool
	)
	err := k.store.Update(ctx, FindingsKey, func(prev []byte) ([]byte, error) {
		var list []Finding
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &list); err != nil {
				return nil, fmt.Errorf("decode findings: %w", err)
			}
		}
		created = true
		for i := range list {
			if strings.EqualFold(list[i].Title, f.Title) {
				list[i].LastSeen = at
				list[i].Sightings++
				stored, created = list[i], false
				break
			}
		}
		if created {
			stored = f
			stored.ID = "thr-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
			stored.DetectedAt, stored.LastSeen, stored.Sightings = at, at, 1
			list = append([]Finding{stored}, list...)
			if len(list) > k.limit {
				list = list[:k.limit]
			}
		}
		return json.Marshal(list)
	})
	if err != nil {
		return Finding{}, false, err
	}
	return stored, created, nil
}

// Findings returns up to n stored findings, newest first
func (k *Knowledge) Findings(ctx context.Context, n int) ([]Finding, error) {
	var list []Finding
	if err := store.GetJSON(ctx, k.store, FindingsKey, &list); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return list, nil
}

// FindingsContext renders findings as prompt text so a scan does not
// report them again
func FindingsContext(list []Finding) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Already reported findings:\n")
	for _, f := range list {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Title)
	}
	return b.String()
}
