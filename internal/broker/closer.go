package broker

import (
	"context"
	"log/slog"
	"sync"

	"pairtrade-engine/pkg/types"
)

// closeWorkerCap bounds the per-round close fan-out.
const closeWorkerCap = 100

// Closer fans out per-ticket close requests for every position under the
// strategy tag. Up to two global rounds; anything still open afterwards
// is reported in Remaining and the caller must fail closed.
type Closer struct {
	broker Broker
	magic  int64
	logger *slog.Logger
}

// NewCloser creates a close-all fan-out for the given strategy tag.
func NewCloser(b Broker, magic int64, logger *slog.Logger) *Closer {
	return &Closer{
		broker: b,
		magic:  magic,
		logger: logger.With("component", "closer"),
	}
}

// CloseAllByTag closes every position stamped with the strategy tag.
// Closing an already-closed ticket is a no-op, so concurrent invocations
// (risk supervisor and execution worker) converge.
func (c *Closer) CloseAllByTag(ctx context.Context) (types.CloseReport, error) {
	return c.closeRounds(ctx, nil)
}

// CloseTickets closes only the given tickets (per-spread close). A nil
// or empty set falls back to closing everything under the tag.
func (c *Closer) CloseTickets(ctx context.Context, tickets []int64) (types.CloseReport, error) {
	if len(tickets) == 0 {
		return c.CloseAllByTag(ctx)
	}
	want := make(map[int64]bool, len(tickets))
	for _, t := range tickets {
		want[t] = true
	}
	return c.closeRounds(ctx, want)
}

func (c *Closer) closeRounds(ctx context.Context, want map[int64]bool) (types.CloseReport, error) {
	var report types.CloseReport

	for round := 0; round < 2; round++ {
		positions, err := c.broker.Positions(ctx, c.magic)
		if err != nil {
			return report, err
		}

		var targets []int64
		for _, p := range positions {
			if want == nil || want[p.Ticket] {
				targets = append(targets, p.Ticket)
			}
		}
		if len(targets) == 0 {
			report.Remaining = 0
			return report, nil
		}

		closed, failed := c.closeBatch(ctx, targets)
		report.Closed = append(report.Closed, closed...)
		report.Failed = failed

		if len(failed) == 0 {
			break
		}
		c.logger.Warn("close round incomplete, retrying",
			"round", round+1,
			"failed", len(failed),
		)
	}

	// Final verification against broker truth
	positions, err := c.broker.Positions(ctx, c.magic)
	if err != nil {
		return report, err
	}
	remaining := 0
	for _, p := range positions {
		if want == nil || want[p.Ticket] {
			remaining++
		}
	}
	report.Remaining = remaining
	if remaining > 0 {
		c.logger.Error("close-all left positions open", "remaining", remaining)
	}
	return report, nil
}

// closeBatch closes the tickets with a bounded worker pool.
func (c *Closer) closeBatch(ctx context.Context, tickets []int64) (closed, failed []int64) {
	workers := len(tickets)
	if workers > closeWorkerCap {
		workers = closeWorkerCap
	}

	jobs := make(chan int64)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ticket := range jobs {
				err := c.broker.ClosePosition(ctx, ticket)
				mu.Lock()
				if err != nil {
					failed = append(failed, ticket)
					c.logger.Error("close failed", "ticket", ticket, "error", err)
				} else {
					closed = append(closed, ticket)
				}
				mu.Unlock()
			}
		}()
	}

	for _, t := range tickets {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	return closed, failed
}
