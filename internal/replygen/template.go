package replygen

import (
	"context"
	"hash/fnv"
)

// toneTemplates holds canned responses per tone. The comment's text picks
// one deterministically so redelivered jobs regenerate the same reply.
var toneTemplates = map[string][]string{
	"witty": {
		"Bold words from someone typing with that much rage. Hope your day improves!",
		"We appreciate the enthusiasm, even if the aim was a bit off.",
		"Noted, filed, and gently composted. Have a good one!",
	},
	"calm": {
		"Thanks for sharing your perspective. We'd rather keep things constructive here.",
		"We hear you. Let's keep the conversation respectful.",
	},
	"formal": {
		"Thank you for your comment. We encourage respectful dialogue in this space.",
		"Your feedback has been noted. We ask that all participants keep discussion civil.",
	},
}

var defaultTemplates = []string{
	"Thanks for the comment. Let's keep it friendly around here.",
	"Appreciate the input! We aim to keep this space constructive.",
}

// TemplateGenerator picks a canned response by tone. It exists for runs
// without an API key and as the test double.
type TemplateGenerator struct{}

// NewTemplate returns a template generator.
func NewTemplate() *TemplateGenerator {
	return &TemplateGenerator{}
}

func (g *TemplateGenerator) Generate(_ context.Context, req Request) (string, error) {
	templates, ok := toneTemplates[req.Tone]
	if !ok {
		templates = defaultTemplates
	}

	h := fnv.New32a()
	h.Write([]byte(req.Comment.Text))
	return templates[int(h.Sum32())%len(templates)], nil
}
