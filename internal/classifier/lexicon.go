package classifier

import (
	"context"
	"strings"
)

var (
	positiveWords = wordSet(
		"good", "great", "excellent", "awesome", "amazing", "love", "like",
		"happy", "glad", "thanks", "thank", "helpful", "perfect", "nice",
		"wonderful", "fantastic", "pleased", "appreciate", "best", "works",
	)
	negativeWords = wordSet(
		"bad", "terrible", "awful", "hate", "angry", "annoyed", "broken",
		"useless", "worst", "poor", "sad", "disappointed", "frustrated",
		"problem", "issue", "wrong", "fail", "failed", "error", "slow",
	)
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// LexiconModel is the local sentiment model. It counts words from fixed
// positive and negative lists and returns Laplace-smoothed probabilities,
// so text with no sentiment words scores 0.5 / 0.5.
type LexiconModel struct{}

var _ BatchSentimentModel = LexiconModel{}

// Score returns {POSITIVE, NEGATIVE} for text.
func (LexiconModel) Score(ctx context.Context, text string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pos, neg int
	for _, tok := range strings.Fields(Normalize(text)) {
		if _, ok := positiveWords[tok]; ok {
			pos++
		}
		if _, ok := negativeWords[tok]; ok {
			neg++
		}
	}

	p := float64(pos+1) / float64(pos+neg+2)
	return map[string]float64{LabelPositive: p, LabelNegative: 1 - p}, nil
}

// ScoreBatch scores each text in order.
func (m LexiconModel) ScoreBatch(ctx context.Context, texts []string) ([]map[string]float64, error) {
	out := make([]map[string]float64, len(texts))
	for i, t := range texts {
		s, err := m.Score(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
