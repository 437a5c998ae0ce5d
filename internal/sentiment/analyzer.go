// Package sentiment turns model score distributions into coarse sentiment labels.
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ashureev/chatdesk/internal/classifier"
	"github.com/ashureev/chatdesk/internal/domain"
)

const (
	// Threshold is the score a label must exceed to win.
	Threshold = 0.6
	// DefaultIntensity is reported when no scores are available.
	DefaultIntensity = 0.5
	// DefaultTimeout bounds a single model call.
	DefaultTimeout = 2 * time.Second
)

// DefaultScores is the distribution reported when the model is unavailable.
func DefaultScores() map[string]float64 {
	return map[string]float64{"positive": 0.5, "negative": 0.5}
}

// Analyzer scores text with a SentimentModel. None of its methods return
// errors or panic; failures degrade to neutral and default values.
type Analyzer struct {
	model   classifier.SentimentModel
	timeout time.Duration
	logger  *slog.Logger
}

// NewAnalyzer creates an analyzer. A nil model behaves like a permanently
// unavailable one.
func NewAnalyzer(model classifier.SentimentModel, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{model: model, timeout: timeout, logger: logger}
}

// Label applies the threshold rule to a score distribution. POSITIVE is
// checked first; neither clearing the threshold yields neutral.
func Label(scores map[string]float64) domain.Sentiment {
	var pos, neg float64
	for label, score := range scores {
		switch strings.ToUpper(label) {
		case classifier.LabelPositive:
			pos = score
		case classifier.LabelNegative:
			neg = score
		}
	}
	switch {
	case pos > Threshold:
		return domain.SentimentPositive
	case neg > Threshold:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

// raw calls the model, converting panics and timeouts into errors.
func (a *Analyzer) raw(ctx context.Context, text string) (scores map[string]float64, err error) {
	if a.model == nil {
		return nil, domain.ErrClassifierUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sentiment model panicked: %v", domain.ErrClassifierUnavailable, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.model.Score(ctx, text)
}

// Analyze returns positive, negative or neutral for text.
func (a *Analyzer) Analyze(ctx context.Context, text string) domain.Sentiment {
	scores, err := a.raw(ctx, text)
	if err != nil {
		a.logger.Warn("Sentiment analysis failed", "error", err)
		return domain.SentimentNeutral
	}
	return Label(scores)
}

// Scores returns the model's distribution with lower-cased labels.
func (a *Analyzer) Scores(ctx context.Context, text string) map[string]float64 {
	scores, err := a.raw(ctx, text)
	if err != nil {
		a.logger.Warn("Sentiment scoring failed", "error", err)
	}
	return normalizeScores(scores, err)
}

// Assessment is the full sentiment view of one text.
type Assessment struct {
	Sentiment domain.Sentiment   `json:"sentiment"`
	Scores    map[string]float64 `json:"scores"`
	Intensity float64            `json:"emotion_intensity"`
}

// Assess derives the label, scores and intensity from a single model call.
func (a *Analyzer) Assess(ctx context.Context, text string) Assessment {
	scores, err := a.raw(ctx, text)
	if err != nil {
		a.logger.Warn("Sentiment assessment failed", "error", err)
		return Assessment{
			Sentiment: domain.SentimentNeutral,
			Scores:    DefaultScores(),
			Intensity: DefaultIntensity,
		}
	}
	return Assessment{
		Sentiment: Label(scores),
		Scores:    normalizeScores(scores, nil),
		Intensity: intensity(scores),
	}
}

func normalizeScores(scores map[string]float64, err error) map[string]float64 {
	if err != nil || len(scores) == 0 {
		return DefaultScores()
	}
	out := make(map[string]float64, len(scores))
	for label, score := range scores {
		out[strings.ToLower(label)] = score
	}
	return out
}

// AnalyzeBatch labels every text, preserving order and length. Batch-capable
// models are called once; if that call fails every label is neutral.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, texts []string) []domain.Sentiment {
	labels := make([]domain.Sentiment, len(texts))
	for i := range labels {
		labels[i] = domain.SentimentNeutral
	}
	if len(texts) == 0 {
		return labels
	}

	batch, ok := a.model.(classifier.BatchSentimentModel)
	if !ok {
		for i, t := range texts {
			labels[i] = a.Analyze(ctx, t)
		}
		return labels
	}

	results, err := a.rawBatch(ctx, batch, texts)
	if err != nil || len(results) != len(texts) {
		a.logger.Warn("Batch sentiment analysis failed", "error", err, "texts", len(texts), "results", len(results))
		return labels
	}
	for i, scores := range results {
		labels[i] = Label(scores)
	}
	return labels
}

func (a *Analyzer) rawBatch(ctx context.Context, model classifier.BatchSentimentModel, texts []string) (results []map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sentiment model panicked: %v", domain.ErrClassifierUnavailable, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return model.ScoreBatch(ctx, texts)
}

// EmotionIntensity returns the highest score in the distribution, clamped to [0, 1].
func (a *Analyzer) EmotionIntensity(ctx context.Context, text string) float64 {
	scores, err := a.raw(ctx, text)
	if err != nil {
		return DefaultIntensity
	}
	return intensity(scores)
}

func intensity(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return DefaultIntensity
	}
	highest := 0.0
	for _, s := range scores {
		if !math.IsNaN(s) {
			highest = max(highest, s)
		}
	}
	return min(max(highest, 0), 1)
}
