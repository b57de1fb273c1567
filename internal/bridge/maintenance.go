package bridge

import (
	"context"
	"time"

	"corebridge/internal/platform/scheduler"
)

// Sweep releases handles whose owners were garbage collected and returns
// how many it released. The sweep runs on the pool's first lane, where the
// background sweeper runs too.
func (db *Database) Sweep(ctx context.Context) (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := db.pool.Submit(ctx, 0, func(context.Context) error {
		n = db.reg.SweepUnreachable()
		return nil
	})
	return n, err
}

// Schedules selects when maintenance runs. An empty schedule disables the
// job.
type Schedules struct {
	Sweep   string
	Compact string
}

// Maintain adds the database's sweep and compaction jobs to s and returns
// their ids.
func (db *Database) Maintain(s *scheduler.Scheduler, sch Schedules) ([]scheduler.JobID, error) {
	jobs := []struct {
		spec string
		opts scheduler.JobOptions
		fn   scheduler.JobFunc
	}{
		{sch.Sweep, scheduler.JobOptions{Name: "sweep", Timeout: 30 * time.Second}, func(ctx context.Context) error {
			_, err := db.Sweep(ctx)
			return err
		}},
		{sch.Compact, scheduler.JobOptions{Name: "compact", Timeout: 5 * time.Minute}, func(ctx context.Context) error {
			_, err := db.Compact(ctx)
			return err
		}},
	}

	var ids []scheduler.JobID
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		id, err := s.Add(j.spec, j.opts, j.fn)
		if err != nil {
			for _, prev := range ids {
				s.Remove(prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
