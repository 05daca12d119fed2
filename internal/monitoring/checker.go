// Package monitoring summarizes recent renders, raises threshold alerts and
// runs periodic cache maintenance.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/config"
)

// Pruner deletes expired response cache entries.
type Pruner interface {
	DeleteExpiredResponses(ctx context.Context) (int, error)
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	pruner    Pruner
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. pruner may be nil.
func NewChecker(collector *Collector, alerter *Alerter, pruner Pruner, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		pruner:    pruner,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting render health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("render health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one collect, alert and prune cycle. It returns the alerts raised.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	if c.pruner != nil && c.cfg.PruneCache {
		n, err := c.pruner.DeleteExpiredResponses(ctx)
		if err != nil {
			log.Warn("monitoring: cache prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("monitoring: pruned expired cache entries", zap.Int("deleted", n))
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered", zap.Int("renders", snap.RenderTotal))
		return nil
	}
	for _, a := range alerts {
		log.Warn(a.Message, zap.String("type", string(a.Type)))
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
