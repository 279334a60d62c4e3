// Package classifier scores comment text for toxicity and maps scores to
// severity buckets. Two providers exist: perspective (remote API) and
// keyword (offline fallback).
package classifier

import (
	"context"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/model"
)

// Category labels emitted by classifiers. Platform-agnostic; the shield
// config refers to these names.
const (
	CategoryInsult   = "insult"
	CategoryThreat   = "threat"
	CategoryHate     = "hate"
	CategorySelfHarm = "self_harm"
	CategorySpam     = "spam"
	CategorySexual   = "sexual"
)

// Result is a raw classifier verdict before severity mapping.
type Result struct {
	Score      float64  `json:"score"` // 0..1
	Categories []string `json:"categories"`
}

// Classifier scores a single piece of text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Result, error)
}

// Thresholds maps scores and categories to severity buckets.
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
	// CriticalCategories force critical severity regardless of score.
	CriticalCategories []string
}

// ThresholdsFromConfig builds Thresholds from the classifier config.
func ThresholdsFromConfig(cfg config.ClassifierConfig) Thresholds {
	return Thresholds{
		Low:                cfg.LowAt,
		Medium:             cfg.MediumAt,
		High:               cfg.HighAt,
		Critical:           cfg.CritAt,
		CriticalCategories: cfg.CriticalCategories,
	}
}

// Severity buckets a classifier result. Category overrides win over the
// score: a threat is critical even at a low score.
func (t Thresholds) Severity(res *Result) model.Severity {
	for _, crit := range t.CriticalCategories {
		for _, cat := range res.Categories {
			if cat == crit {
				return model.SeverityCritical
			}
		}
	}
	switch {
	case res.Score >= t.Critical:
		return model.SeverityCritical
	case res.Score >= t.High:
		return model.SeverityHigh
	case res.Score >= t.Medium:
		return model.SeverityMedium
	case res.Score >= t.Low:
		return model.SeverityLow
	default:
		return model.SeverityNone
	}
}
