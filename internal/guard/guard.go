// Package guard screens user input before a turn: content moderation and
// intent classification.
package guard

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Refusal is the assistant reply used when input fails moderation.
const Refusal = "I cannot process that request. Please ensure your message follows our community guidelines."

// Verdict combines both checks for one message.
type Verdict struct {
	Safe bool `json:"safe"`
	Classification
}

// Guard runs the configured checks. Either check may be nil: a missing
// moderator passes everything and a missing classifier reports FAQ.
type Guard struct {
	moderator  *Moderator
	classifier *Classifier
}

// New creates a Guard.
func New(moderator *Moderator, classifier *Classifier) *Guard {
	return &Guard{moderator: moderator, classifier: classifier}
}

// RunChecks moderates and classifies text concurrently. Unsafe input is
// reported as OTHER with full confidence regardless of the classifier.
func (g *Guard) RunChecks(ctx context.Context, text string) (Verdict, error) {
	v := Verdict{Safe: true, Classification: Classification{Intent: IntentFAQ, Confidence: 0.5}}

	eg, ctx := errgroup.WithContext(ctx)
	if g.moderator != nil {
		eg.Go(func() error {
			v.Safe = g.moderator.IsSafe(ctx, text)
			return nil
		})
	}
	var cls Classification
	if g.classifier != nil {
		eg.Go(func() error {
			var err error
			cls, err = g.classifier.Classify(ctx, text)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return Verdict{}, err
	}

	if g.classifier != nil {
		v.Classification = cls
	}
	if !v.Safe {
		v.Classification = Classification{Intent: IntentOther, Confidence: 1}
	}
	return v, nil
}
