package main

import (
	"context"

	"go.uber.org/zap"
)

// cleanupStalePeers removes peers that missed announceHorizonScale announces
// and the torrents left empty by that, unless they are registered.
func (tr *Tracker) cleanupStalePeers() (PruneResult, error) {
	start := tr.clock.Now()
	horizon := start.Add(-announceHorizonScale * tr.interval)

	res, err := tr.store.PruneExpired(horizon)
	tr.metrics.cleanupDuration.Observe(tr.clock.Since(start).Seconds())
	tr.metrics.prunedPeers.Add(float64(res.Peers))
	tr.metrics.prunedTorrents.Add(float64(res.Torrents))
	if err != nil {
		return res, err
	}

	if res.Peers > 0 || res.Torrents > 0 {
		tr.log.Info("cleanup removed stale entries",
			zap.Int("peers", res.Peers), zap.Int("torrents", res.Torrents))
	} else if ce := tr.log.Check(zap.DebugLevel, "cleanup found nothing to remove"); ce != nil {
		ce.Write()
	}
	return res, nil
}

// cleanupLoop runs cleanupStalePeers every cleanup interval until ctx is done.
func (tr *Tracker) cleanupLoop(ctx context.Context) error {
	ticker := tr.clock.Ticker(tr.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := tr.cleanupStalePeers(); err != nil {
				tr.log.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}
