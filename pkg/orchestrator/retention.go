package orchestrator

import (
	"time"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// StartRetentionSweeper runs the background purge loop: every sweep
// interval it deletes terminal clusters older than the retention
// window. Settings are re-read each sweep, so retentionDays and
// sweepInterval_ms changes take effect without a restart. The loop
// stops on Shutdown.
func (o *Orchestrator) StartRetentionSweeper() {
	o.sweepWG.Add(1)
	go func() {
		defer o.sweepWG.Done()
		for {
			interval := o.sweepInterval()
			select {
			case <-time.After(interval):
				o.sweep()
			case <-o.sweepStop:
				return
			}
		}
	}()
}

func (o *Orchestrator) sweepInterval() time.Duration {
	settings, err := o.loadSettings()
	if err != nil || settings.SweepIntervalMS <= 0 {
		return time.Duration(models.DefaultSweepIntervalMS) * time.Millisecond
	}
	return time.Duration(settings.SweepIntervalMS) * time.Millisecond
}

// sweep performs one retention pass.
func (o *Orchestrator) sweep() {
	settings, err := o.loadSettings()
	if err != nil {
		o.logger.Error("Retention sweep skipped: settings unavailable", "error", err)
		return
	}
	retentionDays := settings.RetentionDays
	if retentionDays <= 0 {
		retentionDays = models.DefaultRetentionDays
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	clusters, err := o.index.List()
	if err != nil {
		o.logger.Error("Retention sweep skipped: index unavailable", "error", err)
		return
	}

	purged, failed := 0, 0
	for _, cluster := range clusters {
		if !cluster.State.IsTerminal() || !cluster.CreatedAt.Before(cutoff) {
			continue
		}
		if err := o.Purge(cluster.ID); err != nil {
			o.logger.Warn("Retention sweep failed to purge cluster", "cluster_id", cluster.ID, "error", err)
			failed++
			continue
		}
		purged++
	}
	o.logger.Info("Retention sweep complete",
		"examined", len(clusters), "purged", purged, "failed", failed,
		"retention_days", retentionDays)
}
