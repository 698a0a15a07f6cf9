package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fuelyard/internal/domain"
	"fuelyard/internal/store"
)

const (
	ridPrefix = "MP"
	ridWidth  = 6

	// conflictRetries bounds how often a serialization conflict on the
	// counter row is retried before giving up.
	conflictRetries = 3
)

// Sequencer issues the human-readable request identifiers: "MP" followed by
// a zero-padded, strictly increasing integer. Uniqueness under concurrent
// callers is the store's job (counter row under FOR UPDATE); the sequencer
// adds formatting and bounded retry on conflicts.
type Sequencer struct {
	repo store.Repository
}

func New(repo store.Repository) *Sequencer {
	return &Sequencer{repo: repo}
}

func (s *Sequencer) Next(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		n, err := s.repo.NextRequestSeq(ctx)
		if err == nil {
			return Format(n), nil
		}
		if !errors.Is(err, domain.ErrSequencerConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func Format(n int64) string {
	return fmt.Sprintf("%s%0*d", ridPrefix, ridWidth, n)
}

// Parse extracts the numeric suffix of a rid. A missing prefix or an
// unparseable suffix reports false: the sequence then restarts from zero,
// the documented degraded behavior for legacy or corrupted identifiers.
func Parse(rid string) (int64, bool) {
	if !strings.HasPrefix(rid, ridPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(rid[len(ridPrefix):], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
