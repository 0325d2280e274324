// Package sentiment scores user messages with VADER and detects coarse
// emotions from keywords. The label only steers the system prompt and the
// reply prefix.
package sentiment

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/dotsetgreg/dotchat/pkg/session"
	"github.com/jonreiter/govader"
)

var ErrNoText = errors.New("sentiment: no scorable text")

const (
	positiveThreshold = 0.05
	negativeThreshold = -0.05
)

// Result is the outcome of classifying one message.
type Result struct {
	Label    session.Sentiment
	Compound float64
	Emotions []string
	Tone     string
}

// Classifier is what the agent loop depends on.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Analyzer is safe for concurrent use; the VADER lexicon is only read after
// construction.
type Analyzer struct {
	vader    *govader.SentimentIntensityAnalyzer
	emotions *EmotionDetector
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		vader:    govader.NewSentimentIntensityAnalyzer(),
		emotions: NewEmotionDetector(),
	}
}

var _ Classifier = (*Analyzer)(nil)

func (a *Analyzer) Classify(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Result{}, ErrNoText
	}

	compound := a.Compound(text)
	emotions := a.emotions.Detect(tokens, compound)
	return Result{
		Label:    Label(compound),
		Compound: compound,
		Emotions: emotions,
		Tone:     ResponseTone(emotions),
	}, nil
}

// Compound is VADER's normalised score in [-1, 1].
func (a *Analyzer) Compound(text string) float64 {
	return a.vader.PolarityScores(text).Compound
}

func Label(compound float64) session.Sentiment {
	switch {
	case compound >= positiveThreshold:
		return session.SentimentPositive
	case compound <= negativeThreshold:
		return session.SentimentNegative
	default:
		return session.SentimentNeutral
	}
}

// tokenize feeds the emotion keyword matcher.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.ReplaceAll(f, "’", "'")
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
