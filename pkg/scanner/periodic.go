package scanner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-mirror/pkg/backend"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// ParseSchedule validates a standard five-field cron expression or a
// descriptor such as "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
	}
	return sched, nil
}

// RunPeriodic runs a forward scan on every tick of schedule until ctx is
// cancelled. Each scan opens its own backend handle so it never shares
// listing state with a worker. A scan still running when the next tick
// arrives makes that tick a no-op.
func (s *Scanner) RunPeriodic(ctx context.Context, schedule string, open func(context.Context) (backend.Backend, error), q Pusher) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		s.rescan(ctx, open, q)
	}))

	plog.Info("Periodic rescans scheduled", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scanner) rescan(ctx context.Context, open func(context.Context) (backend.Backend, error), q Pusher) {
	if ctx.Err() != nil {
		return
	}
	b, err := open(ctx)
	if err != nil {
		plog.Warn("Rescan skipped, cannot open mirror", "error", err)
		return
	}
	defer b.Close()

	n, err := s.Forward(ctx, b, q)
	if err != nil && ctx.Err() == nil {
		plog.Warn("Rescan failed", "error", err, "jobs", n)
		return
	}
	plog.Info("Rescan finished", "jobs", n)
}
