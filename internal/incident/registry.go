package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

const keyPrefix = "incident/"

// DefaultIndexSize bounds the fingerprint index
const DefaultIndexSize = 4096

// ErrNotFound is returned for an unknown incident id
var ErrNotFound = errors.New("incident not found")

// Key is the store key of an incident record
func Key(id string) string {
	return keyPrefix + id
}

// Registry persists incidents and folds repeated detections of the same
// fingerprint into the incident that is still open for it
type Registry struct {
	store  store.Store
	logger *logging.Logger

	mu      sync.Mutex
	index   *lru.Cache[string, string] // fingerprint -> id of a non-terminal incident
	warm    bool
	evicted bool

	now   func() time.Time
	newID func() string
}

// NewRegistry creates a registry over s
func NewRegistry(s store.Store, indexSize int, logger *logging.Logger) (*Registry, error) {
	if indexSize <= 0 {
		indexSize = DefaultIndexSize
	}
	index, err := lru.New[string, string](indexSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint index: %w", err)
	}
	return &Registry{
		store:  s,
		logger: logger.WithComponent("incident"),
		index:  index,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// remember indexes fingerprint; callers hold r.mu
func (r *Registry) remember(fingerprint, id string) {
	if r.index.Add(fingerprint, id) {
		r.evicted = true
	}
}

// Open records a detection. When a non-terminal incident with the same
// fingerprint exists, its occurrence count, last-seen time, evidence and
// targets are refreshed and it is returned with created=false.
func (r *Registry) Open(ctx context.Context, inc model.Incident) (model.Incident, bool, error) {
	if inc.Fingerprint == "" {
		return model.Incident{}, false, &model.ValidationError{Field: "fingerprint", Message: "must not be empty"}
	}
	if !inc.Severity.Valid() {
		return model.Incident{}, false, &model.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", inc.Severity)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.lookup(ctx, inc.Fingerprint)
	if err != nil {
		return model.Incident{}, false, err
	}
	if id != "" {
		refired, err := r.refire(ctx, id, inc)
		if err == nil {
			return refired, false, nil
		}
		if !errors.Is(err, errStale) {
			return model.Incident{}, false, err
		}
		r.index.Remove(inc.Fingerprint)
	}

	now := r.now().UTC()
	inc.ID = r.newID()
	inc.Status = model.StatusOpen
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.LastSeen.IsZero() {
		inc.LastSeen = inc.CreatedAt
	}
	if inc.Occurrences < 1 {
		inc.Occurrences = 1
	}
	if err := store.PutJSON(ctx, r.store, Key(inc.ID), inc); err != nil {
		return model.Incident{}, false, err
	}
	r.remember(inc.Fingerprint, inc.ID)
	r.logger.LogIncidentEvent("incident_opened", inc.ID,
		"kind", inc.Kind, "severity", inc.Severity, "fingerprint", inc.Fingerprint)
	return inc, true, nil
}

// errStale means the indexed incident has since reached a terminal status
var errStale = errors.New("indexed incident is terminal")

func (r *Registry) refire(ctx context.Context, id string, seen model.Incident) (model.Incident, error) {
	var out model.Incident
	err := r.store.Update(ctx, Key(id), func(prev []byte) ([]byte, error) {
		if prev == nil {
			return nil, errStale
		}
		if err := json.Unmarshal(prev, &out); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", id, err)
		}
		if out.Status.Terminal() {
			return nil, errStale
		}
		out.Occurrences++
		if seen.LastSeen.After(out.LastSeen) {
			out.LastSeen = seen.LastSeen
		}
		if len(seen.Evidence) > 0 {
			out.Evidence = seen.Evidence
		}
		out.Targets = seen.Targets
		return json.Marshal(out)
	})
	if err != nil {
		return model.Incident{}, err
	}
	r.logger.LogIncidentEvent("incident_refired", id, "occurrences", out.Occurrences)
	return out, nil
}

// lookup finds the non-terminal incident for fingerprint. The index is
// authoritative once warmed unless it has dropped entries, in which case a
// miss falls back to scanning the store.
func (r *Registry) lookup(ctx context.Context, fingerprint string) (string, error) {
	if id, ok := r.index.Get(fingerprint); ok {
		return id, nil
	}
	if r.warm && !r.evicted {
		return "", nil
	}

	all, err := r.list(ctx)
	if err != nil {
		return "", err
	}
	var found string
	for _, inc := range all {
		if inc.Status.Terminal() {
			continue
		}
		if !r.warm {
			r.remember(inc.Fingerprint, inc.ID)
		}
		if inc.Fingerprint == fingerprint {
			found = inc.ID
		}
	}
	if r.warm && found != "" {
		r.remember(fingerprint, found)
	}
	r.warm = true
	return found, nil
}

// Get loads one incident
func (r *Registry) Get(ctx context.Context, id string) (model.Incident, error) {
	var inc model.Incident
	err := store.GetJSON(ctx, r.store, Key(id), &inc)
	if errors.Is(err, store.ErrNotFound) {
		return model.Incident{}, ErrNotFound
	}
	return inc, err
}

// List returns every incident, oldest first
func (r *Registry) List(ctx context.Context) ([]model.Incident, error) {
	return r.list(ctx)
}

// ListByStatus returns incidents currently in status, oldest first
func (r *Registry) ListByStatus(ctx context.Context, status model.Status) ([]model.Incident, error) {
	all, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Incident
	for _, inc := range all {
		if inc.Status == status {
			out = append(out, inc)
		}
	}
	return out, nil
}

// ListOpen returns incidents waiting for remediation
func (r *Registry) ListOpen(ctx context.Context) ([]model.Incident, error) {
	return r.ListByStatus(ctx, model.StatusOpen)
}

func (r *Registry) list(ctx context.Context) ([]model.Incident, error) {
	keys, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Incident, 0, len(keys))
	for _, key := range keys {
		var inc model.Incident
		if err := store.GetJSON(ctx, r.store, key, &inc); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if inc.ID == "" {
			inc.ID = strings.TrimPrefix(key, keyPrefix)
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Transition moves an incident along the status graph. resolution is
// recorded when non-empty. Reaching a terminal status frees the
// fingerprint so a later detection opens a new incident.
func (r *Registry) Transition(ctx context.Context, id string, to model.Status, resolution string) (model.Incident, error) {
	var (
		out  model.Incident
		from model.Status
	)
	err := r.store.Update(ctx, Key(id), func(prev []byte) ([]byte, error) {
		if prev == nil {
			return nil, ErrNotFound
		}
		if err := json.Unmarshal(prev, &out); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", id, err)
		}
		from = out.Status
		if err := model.ValidateTransition(from, to); err != nil {
			return nil, err
		}
		out.Status = to
		if resolution != "" {
			out.Resolution = resolution
		}
		return json.Marshal(out)
	})
	if err != nil {
		return model.Incident{}, err
	}

	if to.Terminal() {
		r.mu.Lock()
		if cur, ok := r.index.Peek(out.Fingerprint); ok && cur == id {
			r.index.Remove(out.Fingerprint)
		}
		r.mu.Unlock()
	}
	r.logger.LogIncidentEvent(transitionEvent(from, to), id, "from", from, "to", to)
	return out, nil
}

func transitionEvent(from, to model.Status) string {
	switch {
	case to == model.StatusResolved:
		return "incident_resolved"
	case to == model.StatusAlertOnly:
		return "incident_alert_only"
	case from == model.StatusResolving && to == model.StatusOpen:
		return "incident_reopened"
	default:
		return "incident_" + string(to)
	}
}

// SetTier records the tier the policy engine assigned and marks the
// incident decided
func (r *Registry) SetTier(ctx context.Context, id string, tier model.ActionTier) (model.Incident, error) {
	var out model.Incident
	err := r.store.Update(ctx, Key(id), func(prev []byte) ([]byte, error) {
		if prev == nil {
			return nil, ErrNotFound
		}
		if err := json.Unmarshal(prev, &out); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", id, err)
		}
		out.Tier = tier
		out.Decided = true
		return json.Marshal(out)
	})
	return out, err
}

// SetSummary stores an operator summary on the incident
func (r *Registry) SetSummary(ctx context.Context, id, summary string) (model.Incident, error) {
	var out model.Incident
	err := r.store.Update(ctx, Key(id), func(prev []byte) ([]byte, error) {
		if prev == nil {
			return nil, ErrNotFound
		}
		if err := json.Unmarshal(prev, &out); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", id, err)
		}
		out.Summary = summary
		return json.Marshal(out)
	})
	return out, err
}
