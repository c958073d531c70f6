package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/config"
)

// Checker runs periodic alert checks in the background.
//
// An alert for a source is sent when it first appears, when its type
// changes, and again every RepeatAfterHours while it persists.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// last alert sent per source, cleared when the source recovers.
	sent map[string]sentAlert
}

type sentAlert struct {
	typ AlertType
	at  time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		sent:      make(map[string]sentAlert),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("repeat_after_hours", c.cfg.RepeatAfterHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect source health", zap.Error(err))
		return
	}

	alerts := c.pending(c.alerter.Evaluate(snap), snap.CollectedAt)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	for _, a := range alerts {
		c.sent[a.SourceID] = sentAlert{typ: a.Type, at: snap.CollectedAt}
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}

// pending filters alerts down to the ones due for delivery.
func (c *Checker) pending(alerts []Alert, now time.Time) []Alert {
	repeat := time.Duration(c.cfg.RepeatAfterHours) * time.Hour

	active := make(map[string]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		if a.Informational() && !c.cfg.NotifyNeverSynced {
			continue
		}
		active[a.SourceID] = true
		prev, ok := c.sent[a.SourceID]
		switch {
		case !ok, prev.typ != a.Type:
			out = append(out, a)
		case repeat > 0 && now.Sub(prev.at) >= repeat:
			out = append(out, a)
		}
	}
	for id := range c.sent {
		if !active[id] {
			delete(c.sent, id)
		}
	}
	return out
}
