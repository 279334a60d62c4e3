package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/model"
)

func TestKeywordClassify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := NewKeyword()

	tests := []struct {
		name       string
		text       string
		score      float64
		categories []string
	}{
		{
			"clean text",
			"great video, loved the editing",
			0,
			[]string{},
		},
		{
			"single insult",
			"what an IDIOT take",
			0.35,
			[]string{CategoryInsult},
		},
		{
			"multiple categories",
			"you idiot, i will find you",
			0.7,
			[]string{CategoryInsult, CategoryThreat},
		},
		{
			"score caps at one",
			"idiot stupid moron loser pathetic",
			1,
			[]string{CategoryInsult},
		},
		{
			"self harm",
			"just kys already",
			0.35,
			[]string{CategorySelfHarm},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := k.Classify(ctx, tc.text)
			require.NoError(t, err)
			assert.InDelta(t, tc.score, res.Score, 1e-9)
			assert.Equal(t, tc.categories, res.Categories)
		})
	}
}

func TestThresholdsSeverity(t *testing.T) {
	t.Parallel()
	th := Thresholds{
		Low:                0.3,
		Medium:             0.6,
		High:               0.85,
		Critical:           0.95,
		CriticalCategories: []string{CategoryThreat, CategorySelfHarm},
	}

	tests := []struct {
		name string
		res  Result
		want model.Severity
	}{
		{"below low", Result{Score: 0.1}, model.SeverityNone},
		{"at low boundary", Result{Score: 0.3}, model.SeverityLow},
		{"medium", Result{Score: 0.7}, model.SeverityMedium},
		{"high", Result{Score: 0.9}, model.SeverityHigh},
		{"critical score", Result{Score: 0.99}, model.SeverityCritical},
		{
			"critical category overrides low score",
			Result{Score: 0.2, Categories: []string{CategoryThreat}},
			model.SeverityCritical,
		},
		{
			"non-critical category does not override",
			Result{Score: 0.2, Categories: []string{CategoryInsult}},
			model.SeverityNone,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, th.Severity(&tc.res))
		})
	}
}
