package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Fallback asks every classifier at once and keeps the answer of the
// earliest one in the chain that succeeds. Later classifiers only win when
// every earlier one has failed.
type Fallback struct {
	classifiers []ports.IntentClassifier
	logger      ports.Logger
}

// NewFallback returns a chain in priority order.
func NewFallback(classifiers []ports.IntentClassifier, logger ports.Logger) *Fallback {
	return &Fallback{classifiers: classifiers, logger: logger}
}

func (f *Fallback) Name() string {
	return "fallback"
}

// Classify implements ports.IntentClassifier.
func (f *Fallback) Classify(ctx context.Context, text string) (ports.Classification, error) {
	if len(f.classifiers) == 0 {
		return ports.Classification{}, &domain.ClassificationError{Provider: f.Name(), Err: errors.New("no classifiers available")}
	}

	type result struct {
		index          int
		classification ports.Classification
		err            error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan result, len(f.classifiers))

	for i, classifier := range f.classifiers {
		go func(i int, classifier ports.IntentClassifier) {
			if f.logger != nil {
				f.logger.Debug("calling classifier", map[string]interface{}{"classifier": classifier.Name()})
			}
			classification, err := classifier.Classify(ctx, text)
			results <- result{index: i, classification: classification, err: err}
		}(i, classifier)
	}

	outcomes := make([]*result, len(f.classifiers))
	for received := 0; received < len(f.classifiers); received++ {
		res := <-results
		outcomes[res.index] = &res

		// The first unfinished slot decides whether a winner is known yet.
		for _, outcome := range outcomes {
			if outcome == nil {
				break
			}
			if outcome.err == nil {
				cancel()
				return outcome.classification, nil
			}
		}
	}

	errs := make([]error, 0, len(outcomes))
	for i, outcome := range outcomes {
		errs = append(errs, fmt.Errorf("%s: %w", f.classifiers[i].Name(), outcome.err))
	}
	return ports.Classification{}, &domain.ClassificationError{Provider: f.Name(), Err: errors.Join(errs...)}
}

var _ ports.IntentClassifier = (*Fallback)(nil)
