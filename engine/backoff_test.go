package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dripflow/models"
)

func TestBackoffFixed(t *testing.T) {
	seq := &models.Sequence{RetryBackoff: models.BackoffFixed, RetryBaseSeconds: 120}

	assert.Equal(t, 2*time.Minute, Backoff(seq, 1))
	assert.Equal(t, 2*time.Minute, Backoff(seq, 5))
}

func TestBackoffExponential(t *testing.T) {
	seq := &models.Sequence{RetryBackoff: models.BackoffExponential, RetryBaseSeconds: 300}

	assert.Equal(t, 5*time.Minute, Backoff(seq, 1))
	assert.Equal(t, 10*time.Minute, Backoff(seq, 2))
	assert.Equal(t, 20*time.Minute, Backoff(seq, 3))
}

func TestBackoffExponentialCap(t *testing.T) {
	seq := &models.Sequence{RetryBackoff: models.BackoffExponential, RetryBaseSeconds: 3600}

	assert.Equal(t, 24*time.Hour, Backoff(seq, 12))
}

func TestBackoffDefaults(t *testing.T) {
	seq := &models.Sequence{}

	assert.Equal(t, 5*time.Minute, Backoff(seq, 0), "attempt floors at 1")
	assert.Equal(t, 10*time.Minute, Backoff(seq, 2), "zero base falls back to five minutes, unknown strategy is exponential")
}
