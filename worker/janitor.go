package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/engine"
)

// ClaimJanitor periodically purges expired step claims. Expiry takeover
// already happens inline in TryClaim; the janitor just keeps the table
// from accumulating rows for enrollments that stopped being swept.
type ClaimJanitor struct {
	Claims   engine.ClaimTable
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewClaimJanitor(claims engine.ClaimTable, logger *logrus.Logger, interval time.Duration) *ClaimJanitor {
	return &ClaimJanitor{Claims: claims, Logger: logger, Interval: interval}
}

func (cj *ClaimJanitor) Start(ctx context.Context) {
	cj.Logger.WithField("component", "claim_janitor").Info("claim janitor started")

	ticker := time.NewTicker(cj.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cj.Logger.WithField("component", "claim_janitor").Info("claim janitor shutting down")
			return
		case <-ticker.C:
			purged, err := cj.Claims.PurgeExpired(ctx)
			if err != nil {
				cj.Logger.WithError(err).Error("failed to purge expired claims")
				continue
			}
			if purged > 0 {
				cj.Logger.WithField("purged", purged).Debug("purged expired claims")
			}
		}
	}
}
