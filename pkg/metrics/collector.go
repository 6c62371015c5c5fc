package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	BacklogApprovals = "approvals_pending"
	BacklogOutbox    = "outbox_pending"
)

// BacklogSource counts rows still waiting to be processed.
type BacklogSource interface {
	BacklogCounts(ctx context.Context) (map[string]int64, error)
}

// Collector periodically samples backlog sizes into the Backlog gauge.
type Collector struct {
	source   BacklogSource
	logger   *zap.Logger
	interval time.Duration
}

func NewCollector(source BacklogSource, logger *zap.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		source:   source,
		logger:   logger,
		interval: interval,
	}
}

func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample(ctx)
		}
	}
}

func (c *Collector) Sample(ctx context.Context) {
	counts, err := c.source.BacklogCounts(ctx)
	if err != nil {
		c.logger.Warn("failed to sample backlog", zap.Error(err))
		return
	}
	for queue, count := range counts {
		Backlog.WithLabelValues(queue).Set(float64(count))
	}
}
