// Package classifier defines the model contracts the dialogue engine depends on
// and provides a remote gRPC implementation plus local fallbacks.
package classifier

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentiment labels returned by models. Consumers match them case-insensitively.
const (
	LabelPositive = "POSITIVE"
	LabelNegative = "NEGATIVE"
)

// Prediction is an intent label with the model's confidence in it.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// IntentClassifier maps preprocessed text to an intent.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (Prediction, error)
}

// SentimentModel returns a label to score distribution for text.
type SentimentModel interface {
	Score(ctx context.Context, text string) (map[string]float64, error)
}

// BatchSentimentModel scores many texts in one call. The result has one
// distribution per input, in input order.
type BatchSentimentModel interface {
	SentimentModel
	ScoreBatch(ctx context.Context, texts []string) ([]map[string]float64, error)
}

// Normalize lower-cases text and strips every character that is neither
// alphanumeric nor whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// minKeywordLen is the length a token must exceed to count as a keyword.
const minKeywordLen = 3

// Keywords returns the tokens of normalized text longer than three
// characters, in input order with duplicates kept.
func Keywords(normalized string) []string {
	keywords := []string{}
	for _, tok := range strings.Fields(normalized) {
		if utf8.RuneCountInString(tok) > minKeywordLen {
			keywords = append(keywords, tok)
		}
	}
	return keywords
}
