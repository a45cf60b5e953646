package main

import (
	"context"
	"log/slog"
	"time"

	"omnitak/aggregator"
	"omnitak/distributor"
	"omnitak/pool"
)

// RunMetrics logs pool/aggregator/distributor throughput every interval
// until ctx is cancelled.
func RunMetrics(ctx context.Context, p *pool.Pool, agg *aggregator.Aggregator, dist *distributor.Distributor, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastForwarded uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			noUID, forwarded := agg.Stats()
			delivered, dropped := dist.Stats()
			delta := forwarded - lastForwarded
			lastForwarded = forwarded

			log.Info("throughput",
				"connections", p.Len(),
				"forwarded", forwarded,
				"forwarded_per_sec", float64(delta)/interval.Seconds(),
				"no_uid", noUID,
				"delivered", delivered,
				"dropped", dropped,
			)
		}
	}
}
