package model

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"open_to_resolving", StatusOpen, StatusResolving, false},
		{"open_to_alert_only", StatusOpen, StatusAlertOnly, false},
		{"resolving_to_resolved", StatusResolving, StatusResolved, false},
		{"resolving_back_to_open", StatusResolving, StatusOpen, false},
		{"open_to_resolved_skips_resolving", StatusOpen, StatusResolved, true},
		{"resolved_to_open", StatusResolved, StatusOpen, true},
		{"resolved_to_resolving", StatusResolved, StatusResolving, true},
		{"alert_only_to_resolving", StatusAlertOnly, StatusResolving, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
			assert.Equal(t, "status", ve.Field)
		})
	}
}

func TestStatus_MonotoneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	all := []Status{StatusOpen, StatusResolving, StatusResolved, StatusAlertOnly}

	// Any walk that only follows permitted edges never leaves a terminal status
	properties.Property("no walk revisits open after resolved", prop.ForAll(
		func(choices []int) bool {
			current := StatusOpen
			seenResolved := false
			for _, c := range choices {
				next := all[c%len(all)]
				if ValidateTransition(current, next) != nil {
					continue
				}
				current = next
				if current == StatusResolved {
					seenResolved = true
				}
				if seenResolved && current == StatusOpen {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func TestSeverity_Rank(t *testing.T) {
	assert.Equal(t, 0, SeverityP0.Rank())
	assert.Equal(t, 3, SeverityP3.Rank())
	assert.Equal(t, 3, Severity("bogus").Rank())
	assert.False(t, Severity("P4").Valid())
}

func TestChangeEvent_Change(t *testing.T) {
	assert.Equal(t, "added", ChangeEvent{Path: "/a", NewHash: "x"}.Change())
	assert.Equal(t, "removed", ChangeEvent{Path: "/a", PreviousHash: "x"}.Change())
	assert.Equal(t, "changed", ChangeEvent{Path: "/a", PreviousHash: "x", NewHash: "y"}.Change())
}
