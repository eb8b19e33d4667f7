package engine

import (
	"time"

	"dripflow/models"
)

// Backoff returns the wait before retrying a step after its attempt-th
// transient failure, per the sequence's retry policy. Attempt numbering
// starts at 1.
func Backoff(seq *models.Sequence, attempt int) time.Duration {
	base := time.Duration(seq.RetryBaseSeconds) * time.Second
	if base <= 0 {
		base = 5 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	switch seq.RetryBackoff {
	case models.BackoffFixed:
		return base
	default: // exponential
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > 24*time.Hour {
				return 24 * time.Hour
			}
		}
		return d
	}
}
