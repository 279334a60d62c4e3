package classifier

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/pkg/perspective"
)

// categoryThreshold is the minimum attribute score for a category label
// to be attached to the result.
const categoryThreshold = 0.5

// attributeCategories maps Perspective attributes to our category labels.
// TOXICITY feeds the score only.
var attributeCategories = map[string]string{
	perspective.AttrInsult:         CategoryInsult,
	perspective.AttrThreat:         CategoryThreat,
	perspective.AttrIdentityAttack: CategoryHate,
	perspective.AttrProfanity:      CategoryInsult,
}

// PerspectiveClassifier scores text through the Perspective API.
type PerspectiveClassifier struct {
	client  perspective.Client
	breaker *resilience.CircuitBreaker
}

// NewPerspective wraps a Perspective API client. A circuit breaker
// short-circuits classification while the API is down so analysis jobs
// fail fast onto the retry path instead of stacking up on timeouts.
func NewPerspective(client perspective.Client) *PerspectiveClassifier {
	return &PerspectiveClassifier{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
	}
}

func (p *PerspectiveClassifier) Classify(ctx context.Context, text string) (*Result, error) {
	resp, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*perspective.AnalyzeResponse, error) {
		return p.analyze(ctx, text)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Categories: []string{}}
	seen := map[string]bool{}
	for attr, score := range resp.AttributeScores {
		value := score.SummaryScore.Value
		if attr == perspective.AttrToxicity || attr == perspective.AttrSevereToxicity {
			if value > res.Score {
				res.Score = value
			}
			continue
		}
		if cat, ok := attributeCategories[attr]; ok && value >= categoryThreshold && !seen[cat] {
			seen[cat] = true
			res.Categories = append(res.Categories, cat)
		}
	}
	sort.Strings(res.Categories)
	return res, nil
}

func (p *PerspectiveClassifier) analyze(ctx context.Context, text string) (*perspective.AnalyzeResponse, error) {
	resp, err := p.client.AnalyzeComment(ctx, perspective.AnalyzeRequest{
		Comment: perspective.Comment{Text: text},
		RequestedAttributes: map[string]perspective.AttributeSpec{
			perspective.AttrToxicity:       {},
			perspective.AttrSevereToxicity: {},
			perspective.AttrInsult:         {},
			perspective.AttrThreat:         {},
			perspective.AttrIdentityAttack: {},
			perspective.AttrProfanity:      {},
		},
		DoNotStore: true,
	})
	if err != nil {
		var apiErr *perspective.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, eris.Wrap(err, "classifier: perspective analyze")
	}
	return resp, nil
}
