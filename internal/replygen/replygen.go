// Package replygen produces automated responses to comments. Two
// providers exist: anthropic (LLM-backed) and template (offline
// fallback).
package replygen

import (
	"context"

	"github.com/crowdgate/crowdgate/internal/model"
)

// Request carries everything the generator needs for one reply.
type Request struct {
	Comment  *model.Comment
	Analysis *model.AnalysisResult
	// Tone is the integration's configured voice ("witty", "calm",
	// "formal"). Providers treat unknown tones as neutral.
	Tone string
}

// Generator produces a reply text for a comment.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
