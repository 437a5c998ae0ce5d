package classifier

import (
	"context"
	"strings"

	"github.com/ashureev/chatdesk/internal/knowledge"
)

// Intent labels produced when no knowledge-base pattern matches.
const (
	IntentGeneralQuery  = "general_query"
	IntentSpecificQuery = "specific_query"
)

const (
	// DefaultPatternThreshold is the share of a pattern's tokens that must
	// appear in the message for the pattern to match.
	DefaultPatternThreshold = 0.75
	// splitScore is the confidence reported for the general/specific split.
	splitScore = 0.5
	// generalKeywordLimit is the keyword count at or below which a message
	// is treated as a general query.
	generalKeywordLimit = 2
)

// PatternClassifier is the local intent model. It matches messages against
// the patterns of the current knowledge-base snapshot and otherwise splits
// them into general or specific queries.
type PatternClassifier struct {
	kb        *knowledge.Base
	threshold float64
}

var _ IntentClassifier = (*PatternClassifier)(nil)

// NewPatternClassifier creates a classifier over kb.
func NewPatternClassifier(kb *knowledge.Base) *PatternClassifier {
	return &PatternClassifier{kb: kb, threshold: DefaultPatternThreshold}
}

// Classify returns the best-matching knowledge-base intent, or the
// general/specific split when no pattern clears the threshold.
func (p *PatternClassifier) Classify(ctx context.Context, text string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(text)) {
		tokens[tok] = struct{}{}
	}

	best := Prediction{}
	for _, entry := range p.kb.Snapshot().Entries() {
		for _, pattern := range entry.Patterns {
			score := overlap(tokens, strings.Fields(Normalize(pattern)))
			if score > best.Score {
				best = Prediction{Label: entry.Intent, Score: score}
			}
		}
	}
	if best.Label != "" && best.Score >= p.threshold {
		return best, nil
	}

	if len(Keywords(Normalize(text))) <= generalKeywordLimit {
		return Prediction{Label: IntentGeneralQuery, Score: splitScore}, nil
	}
	return Prediction{Label: IntentSpecificQuery, Score: splitScore}, nil
}

// overlap returns the share of pattern tokens present in tokens.
func overlap(tokens map[string]struct{}, pattern []string) float64 {
	if len(pattern) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range pattern {
		if _, ok := tokens[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(pattern))
}
