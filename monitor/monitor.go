// Package monitor implements the directory-watch loop: it periodically
// rescans a watched directory and feeds the resulting inventory snapshot
// into a tracker.
package monitor

import (
	"context"
	"log"
	"time"

	"dirsync/inventory"
)

// Monitor periodically rescans a directory into an inventory.Tracker.
type Monitor struct {
	tracker  *inventory.Tracker
	interval time.Duration
	logger   *log.Logger
}

// New returns a Monitor that rescans tracker every interval.
func New(tracker *inventory.Tracker, interval time.Duration, logger *log.Logger) *Monitor {
	return &Monitor{tracker: tracker, interval: interval, logger: logger}
}

// Run blocks, rescanning on every tick, until ctx is cancelled. Cancelling
// ctx terminates the loop cleanly.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if err := m.tracker.Rescan(); err != nil {
		m.logger.Printf("monitor: initial rescan failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tracker.Rescan(); err != nil {
				m.logger.Printf("monitor: rescan failed: %v", err)
			}
		}
	}
}
