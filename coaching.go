package fieldsync

import "context"

// CoachingResult is the output of the external AI-coaching capability for
// one knock.
type CoachingResult struct {
	FeedbackText string   `json:"feedbackText"`
	Suggestions  []string `json:"suggestions,omitempty"`
	// Score is 0..100.
	Score int `json:"score"`
}

// CoachingScorer is the external capability that analyzes a knock
// transcript. The engine never implements scoring; it only persists the
// result against the knock record.
type CoachingScorer interface {
	Score(ctx context.Context, knockID, transcript string) (*CoachingResult, error)
}

// CoachingScorerFunc adapts a function to the CoachingScorer interface.
type CoachingScorerFunc func(ctx context.Context, knockID, transcript string) (*CoachingResult, error)

// Score implements CoachingScorer.
func (f CoachingScorerFunc) Score(ctx context.Context, knockID, transcript string) (*CoachingResult, error) {
	return f(ctx, knockID, transcript)
}

// Coach runs the configured scorer for an accepted knock and persists the
// result against the knock record. Returns ErrNoScorer when no scorer is
// configured and ErrKnockNotFound when the knock has not been accepted.
func (e *Engine) Coach(ctx context.Context, knockID, transcript string) (*CoachingResult, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if e.scorer == nil {
		return nil, ErrNoScorer
	}
	if _, err := e.store.GetKnock(ctx, knockID); err != nil {
		return nil, err
	}
	res, err := e.scorer.Score(ctx, knockID, transcript)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetCoaching(ctx, knockID, res); err != nil {
		return nil, err
	}
	e.stats.coachingScored.Add(1)
	return res, nil
}
