package jobs

import (
	"context"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
	"threadrelay/internal/metrics"
)

// PollUntilDone queries the job every interval until it reaches a terminal
// state or maxWait elapses. Transient status failures count as "not yet
// done" and share the same budget. Cancelling ctx abandons the wait without
// touching the job on the engine.
func (g *Gateway) PollUntilDone(ctx context.Context, kickoffID string, interval, maxWait time.Duration) (domain.JobResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()
	deadline, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := func() (domain.JobResult, error) {
		waited := time.Since(start)
		g.logger.Warn("job poll timed out", "kickoff_id", kickoffID, "waited", waited)
		g.events.Emit(bus.Event{Type: bus.EventJobTimedOut, Source: "jobs", KickoffID: kickoffID})
		return domain.JobResult{}, &domain.TimeoutError{KickoffID: kickoffID, Waited: waited}
	}

	for attempt := 1; ; attempt++ {
		job, err := g.Status(deadline, kickoffID)
		switch {
		case err == nil:
			if res, done, err := g.settle(job, start); done {
				return res, err
			}
		case ctx.Err() != nil:
			return domain.JobResult{}, ctx.Err()
		case deadline.Err() != nil:
			return timeout()
		case IsTransient(err):
			g.logger.Warn("job status unavailable, will retry", "kickoff_id", kickoffID, "attempt", attempt, "err", err)
		default:
			return domain.JobResult{}, err
		}

		select {
		case <-ctx.Done():
			return domain.JobResult{}, ctx.Err()
		case <-deadline.Done():
			return timeout()
		case <-ticker.C:
		}
	}
}

// settle converts a terminal job snapshot into the poll outcome.
func (g *Gateway) settle(job domain.Job, start time.Time) (domain.JobResult, bool, error) {
	switch job.State {
	case domain.JobSuccess:
		res, err := ParseResult(job.Result)
		if err != nil {
			g.logger.Error("job succeeded with unreadable result", "kickoff_id", job.KickoffID, "err", err)
			g.events.Emit(bus.Event{Type: bus.EventJobFailed, Source: "jobs", KickoffID: job.KickoffID})
			return domain.JobResult{}, true, &domain.FailureError{KickoffID: job.KickoffID, Detail: "unreadable result: " + err.Error()}
		}
		metrics.JobLatency.Observe(time.Since(start).Seconds())
		g.events.Emit(bus.Event{Type: bus.EventJobSucceeded, Source: "jobs", KickoffID: job.KickoffID})
		return res, true, nil
	case domain.JobFailure:
		detail := job.Error
		if detail == "" {
			detail = "engine reported failure without detail"
		}
		g.logger.Warn("job failed", "kickoff_id", job.KickoffID, "detail", detail)
		g.events.Emit(bus.Event{Type: bus.EventJobFailed, Source: "jobs", KickoffID: job.KickoffID})
		return domain.JobResult{}, true, &domain.FailureError{KickoffID: job.KickoffID, Detail: detail}
	default:
		return domain.JobResult{}, false, nil
	}
}
