package incident

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

func newTestRegistry(t *testing.T, s store.Store, size int) *Registry {
	t.Helper()
	r, err := NewRegistry(s, size, logging.Discard())
	require.NoError(t, err)
	return r
}

func detection(fingerprint string, at time.Time) model.Incident {
	return model.Incident{
		Kind:        model.KindHighCPU,
		Severity:    model.SeverityP1,
		Title:       "cpu",
		Fingerprint: fingerprint,
		Detector:    "resource",
		CreatedAt:   at,
		LastSeen:    at,
		Occurrences: 1,
		Status:      model.StatusOpen,
		Targets:     model.Targets{PIDs: []int{4242}},
	}
}

func TestOpen_FoldsRefires(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 0)

	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	first, created, err := r.Open(ctx, detection("high_cpu", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	next := detection("high_cpu", t0.Add(time.Minute))
	next.Targets = model.Targets{PIDs: []int{5151}}
	second, created, err := r.Open(ctx, next)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Occurrences)
	assert.Equal(t, t0.Add(time.Minute), second.LastSeen)
	assert.Equal(t, []int{5151}, second.Targets.PIDs)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpen_TerminalFreesFingerprint(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 0)

	first, _, err := r.Open(ctx, detection("high_cpu", time.Now()))
	require.NoError(t, err)
	_, err = r.Transition(ctx, first.ID, model.StatusResolving, "")
	require.NoError(t, err)
	resolved, err := r.Transition(ctx, first.ID, model.StatusResolved, "killed pid 4242")
	require.NoError(t, err)
	assert.Equal(t, "killed pid 4242", resolved.Resolution)

	second, created, err := r.Open(ctx, detection("high_cpu", time.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOpen_RecoversIndexAfterRestart(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first, _, err := newTestRegistry(t, s, 0).Open(ctx, detection("new_listening_port:tcp/0.0.0.0:4444", time.Now()))
	require.NoError(t, err)

	restarted := newTestRegistry(t, s, 0)
	again, created, err := restarted.Open(ctx, detection("new_listening_port:tcp/0.0.0.0:4444", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestOpen_ScansAfterIndexEviction(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 2)

	a, _, err := r.Open(ctx, detection("a", time.Now()))
	require.NoError(t, err)
	for _, fp := range []string{"b", "c", "d"} {
		_, _, err := r.Open(ctx, detection(fp, time.Now()))
		require.NoError(t, err)
	}

	again, created, err := r.Open(ctx, detection("a", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)
}

func TestOpen_Validation(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 0)

	inc := detection("", time.Now())
	_, _, err = r.Open(context.Background(), inc)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "fingerprint", verr.Field)

	inc = detection("x", time.Now())
	inc.Severity = "P9"
	_, _, err = r.Open(context.Background(), inc)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "severity", verr.Field)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 0)

	inc, _, err := r.Open(ctx, detection("fp", time.Now()))
	require.NoError(t, err)

	_, err = r.Transition(ctx, inc.ID, model.StatusResolved, "")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr, "open -> resolved skips resolving")

	_, err = r.Transition(ctx, inc.ID, model.StatusAlertOnly, "tier 0")
	require.NoError(t, err)

	_, err = r.Transition(ctx, inc.ID, model.StatusOpen, "")
	require.ErrorAs(t, err, &verr, "alert_only is terminal")

	_, err = r.Transition(ctx, "missing", model.StatusResolving, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := r.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAlertOnly, got.Status)
	assert.Equal(t, "tier 0", got.Resolution)
}

func TestListOpenAndSetTier(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newTestRegistry(t, s, 0)

	t0 := time.Now().UTC()
	a, _, err := r.Open(ctx, detection("a", t0))
	require.NoError(t, err)
	b, _, err := r.Open(ctx, detection("b", t0.Add(time.Second)))
	require.NoError(t, err)
	_, err = r.Transition(ctx, a.ID, model.StatusResolving, "")
	require.NoError(t, err)

	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)

	assert.False(t, b.Decided)
	updated, err := r.SetTier(ctx, b.ID, model.TierStrongContainment)
	require.NoError(t, err)
	assert.Equal(t, model.TierStrongContainment, updated.Tier)
	assert.True(t, updated.Decided)

	stored, err := r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.Decided)

	summarized, err := r.SetSummary(ctx, b.ID, "A miner is using the CPU.")
	require.NoError(t, err)
	assert.Equal(t, "A miner is using the CPU.", summarized.Summary)
	assert.True(t, summarized.Decided, "other fields survive")

	_, err = r.SetSummary(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_OneIncidentPerFingerprintProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("n detections of one fingerprint yield one incident with n occurrences", prop.ForAll(
		func(n int) bool {
			s, err := store.NewBadgerStore(store.BadgerConfig{InMemory: true})
			if err != nil {
				return false
			}
			defer s.Close()
			r, err := NewRegistry(s, 0, logging.Discard())
			if err != nil {
				return false
			}
			ctx := context.Background()
			var last model.Incident
			for i := 0; i < n; i++ {
				last, _, err = r.Open(ctx, detection(fmt.Sprintf("fp-%d", n%3), time.Now()))
				if err != nil {
					return false
				}
			}
			all, err := r.List(ctx)
			return err == nil && len(all) == 1 && last.Occurrences == n
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
