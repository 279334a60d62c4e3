package classifier

import (
	"context"
	"sort"
	"strings"
)

// keywordLists maps each category to indicator terms. Deliberately small:
// the keyword classifier is an offline fallback and a test double, not a
// serious moderation model.
var keywordLists = map[string][]string{
	CategoryInsult: {
		"idiot", "stupid", "moron", "loser", "pathetic", "trash", "garbage human",
	},
	CategoryThreat: {
		"kill you", "hurt you", "find you", "watch your back", "you will regret",
	},
	CategoryHate: {
		"your kind", "go back to", "subhuman", "vermin",
	},
	CategorySelfHarm: {
		"kill yourself", "kys", "end it all", "better off dead",
	},
	CategorySpam: {
		"click here", "free followers", "dm for promo", "crypto giveaway",
	},
}

// perMatchScore controls how quickly matches saturate the score.
const perMatchScore = 0.35

// KeywordClassifier scores text by substring matching against category
// keyword lists. Score grows with match count and caps at 1.
type KeywordClassifier struct {
	lists map[string][]string
}

// NewKeyword returns a keyword classifier with the built-in lists.
func NewKeyword() *KeywordClassifier {
	return &KeywordClassifier{lists: keywordLists}
}

func (k *KeywordClassifier) Classify(_ context.Context, text string) (*Result, error) {
	lowered := strings.ToLower(text)

	res := &Result{Categories: []string{}}
	matches := 0
	for category, terms := range k.lists {
		hit := false
		for _, term := range terms {
			if strings.Contains(lowered, term) {
				hit = true
				matches++
			}
		}
		if hit {
			res.Categories = append(res.Categories, category)
		}
	}

	sort.Strings(res.Categories)
	res.Score = float64(matches) * perMatchScore
	if res.Score > 1 {
		res.Score = 1
	}
	return res, nil
}
