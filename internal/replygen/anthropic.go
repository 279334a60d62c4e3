package replygen

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/pkg/anthropic"
)

const systemPrompt = `You write short public replies on behalf of a creator whose comment
section you help moderate. You are given a comment directed at the
creator. Respond in the requested tone. Rules:
- Never insult the commenter back or escalate.
- Never mention moderation, policies, or that you are automated.
- Keep it under 280 characters.
- Reply with the response text only, nothing else.`

// AnthropicGenerator produces replies through the Anthropic messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.CircuitBreaker
}

// NewAnthropic builds an LLM-backed generator from config.
func NewAnthropic(client anthropic.Client, cfg config.GeneratorConfig) *AnthropicGenerator {
	return &AnthropicGenerator{
		client:    client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
	}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	tone := req.Tone
	if tone == "" {
		tone = "calm"
	}

	prompt := fmt.Sprintf("Tone: %s\n\nComment from @%s:\n%s",
		tone, req.Comment.PlatformUserName, req.Comment.Text)

	resp, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     g.model,
			MaxTokens: g.maxTokens,
			System:    systemPrompt,
			Messages: []anthropic.Message{
				{Role: "user", Content: prompt},
			},
		})
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return "", resilience.NewTransientError(err, 0)
		}
		return "", eris.Wrap(err, "replygen: create message")
	}
	resp.Usage.LogCost(g.model, "reply_generation")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.New("replygen: empty response")
	}
	return text, nil
}
