package apply

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// SequenceError reports the changeset that stopped a sequence. Index is the
// 1-based position in the sequence; changesets before it stay committed.
type SequenceError struct {
	Index int
	ID    string
	Err   error
}

func (e *SequenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("changeset %d (%s) failed: %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("changeset %d failed: %v", e.Index, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// ApplySequence applies changesets in order, each in its own session. It
// stops at the first failure and returns the results of the sessions that
// ran, the failed one included. A changeset without an Index is given its
// position in the sequence.
func (e *Engine) ApplySequence(ctx context.Context, changesets []Changeset) ([]*Result, error) {
	changesets = slices.Clone(changesets)
	prev := 0
	for i := range changesets {
		if changesets[i].Index == 0 {
			changesets[i].Index = i + 1
		}
		if changesets[i].Index <= prev {
			return nil, cserrors.NewValidationError(cserrors.OpApply,
				fmt.Errorf("changeset %d: index %d is not after %d", i+1, changesets[i].Index, prev))
		}
		prev = changesets[i].Index
	}

	var from int
	if e.skipApplied {
		tip, err := e.b.Tip(ctx)
		if err != nil {
			return nil, err
		}
		for from < len(changesets) && changesets[from].Index <= tip.Index {
			from++
		}
		if from > 0 {
			e.logger.InfoContext(ctx, "skipping applied changesets",
				slog.Int("skipped", from),
				slog.Int("tip_index", tip.Index),
			)
		}
	}

	results := make([]*Result, 0, len(changesets)-from)
	for i := from; i < len(changesets); i++ {
		cs := changesets[i]
		res, err := e.Apply(ctx, cs)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "changeset sequence stopped",
				slog.Int("position", i+1),
				slog.Int("committed", i-from),
				slog.Int("remaining", len(changesets)-i-1),
				slog.Bool("retryable", cserrors.IsRetryable(err)),
			)
			return results, &SequenceError{Index: i + 1, ID: cs.ID, Err: err}
		}
	}
	return results, nil
}
