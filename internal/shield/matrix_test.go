package shield

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/model"
)

func TestDefaultMatrixRows(t *testing.T) {
	t.Parallel()
	m := DefaultMatrix()

	tests := []struct {
		name       string
		severity   model.Severity
		violations int
		action     model.ActionType
		level      OffenseLevel
	}{
		{"low first", model.SeverityLow, 0, model.ActionNone, OffenseFirst},
		{"low repeat", model.SeverityLow, 1, model.ActionHide, OffenseRepeat},
		{"low persistent", model.SeverityLow, 3, model.ActionMute, OffensePersistent},
		{"medium first", model.SeverityMedium, 0, model.ActionHide, OffenseFirst},
		{"medium repeat", model.SeverityMedium, 2, model.ActionMute, OffenseRepeat},
		{"medium persistent", model.SeverityMedium, 7, model.ActionBlock, OffensePersistent},
		{"high first", model.SeverityHigh, 0, model.ActionMute, OffenseFirst},
		{"high repeat", model.SeverityHigh, 1, model.ActionBlock, OffenseRepeat},
		{"high persistent", model.SeverityHigh, 3, model.ActionReport, OffensePersistent},
		{"critical first", model.SeverityCritical, 0, model.ActionReport, OffenseFirst},
		{"critical repeat", model.SeverityCritical, 1, model.ActionReport, OffenseRepeat},
		{"critical persistent", model.SeverityCritical, 100, model.ActionReport, OffensePersistent},
		{"none severity", model.SeverityNone, 5, model.ActionNone, OffensePersistent},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			action, level := m.Action(tc.severity, tc.violations)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.level, level)
		})
	}
}

func TestOffenseBucketBoundaries(t *testing.T) {
	t.Parallel()
	b := OffenseBuckets{RepeatAt: 1, PersistentAt: 3}

	assert.Equal(t, OffenseFirst, b.Level(0))
	assert.Equal(t, OffenseRepeat, b.Level(1))
	assert.Equal(t, OffenseRepeat, b.Level(2))
	assert.Equal(t, OffensePersistent, b.Level(3))
	assert.Equal(t, OffensePersistent, b.Level(50))
}

func writeMatrixFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMatrixOverride(t *testing.T) {
	t.Parallel()
	path := writeMatrixFile(t, `
offense_buckets:
  repeat_at: 2
  persistent_at: 5
matrix:
  medium: [mute, block, report]
`)

	m, err := LoadMatrix(path)
	require.NoError(t, err)

	assert.Equal(t, OffenseBuckets{RepeatAt: 2, PersistentAt: 5}, m.Buckets())

	// Overridden row uses the file's actions and buckets.
	action, level := m.Action(model.SeverityMedium, 2)
	assert.Equal(t, model.ActionBlock, action)
	assert.Equal(t, OffenseRepeat, level)

	// Untouched rows keep the defaults.
	action, _ = m.Action(model.SeverityCritical, 0)
	assert.Equal(t, model.ActionReport, action)
}

func TestLoadMatrixValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"inverted buckets",
			"offense_buckets:\n  repeat_at: 3\n  persistent_at: 1\n",
			"offense buckets",
		},
		{
			"unknown severity",
			"matrix:\n  catastrophic: [hide, mute, block]\n",
			"unknown severity",
		},
		{
			"wrong row length",
			"matrix:\n  high: [hide, mute]\n",
			"exactly 3 actions",
		},
		{
			"unknown action",
			"matrix:\n  high: [hide, mute, banish]\n",
			"unknown action",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadMatrix(writeMatrixFile(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMatrixMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadMatrix(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
