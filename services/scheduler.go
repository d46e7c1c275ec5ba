// services/scheduler.go
package services

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ArenaScheduler owns the periodic housekeeping jobs: sweeping expired match
// leases back to the queue and refreshing the bracket snapshot.
type ArenaScheduler struct {
	Store    *GormMatchStore
	Brackets *BracketService

	sched gocron.Scheduler
}

func NewArenaScheduler(store *GormMatchStore, brackets *BracketService) *ArenaScheduler {
	return &ArenaScheduler{Store: store, Brackets: brackets}
}

func refreshInterval() time.Duration {
	refresh := 30
	if raw := os.Getenv("REFRESH_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			refresh = secs
		} else {
			log.Printf("⚠️  Invalid REFRESH_SECONDS %q, using 30", raw)
		}
	}
	return time.Duration(refresh) * time.Second
}

func (a *ArenaScheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	a.sched = sched
	sched.Start()

	// Lease sweep: matches orphaned by a crashed worker go back to queued so
	// a healthy worker picks them up.
	_, err = sched.NewJob(
		gocron.DurationJob(refreshInterval()),
		gocron.NewTask(func() {
			n, err := a.Store.RequeueExpired(ctx)
			if err != nil {
				log.Printf("[Scheduler] Lease sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("⚠️  Requeued %d matches with expired leases", n)
			}
		}),
	)
	if err != nil {
		return err
	}

	// Snapshot refresh: keep the on-disk bracket rendering current while a
	// tournament runs.
	_, err = sched.NewJob(
		gocron.DurationJob(refreshInterval()),
		gocron.NewTask(func() {
			if a.Brackets == nil || !a.Brackets.Active() {
				return
			}
			if err := a.Brackets.WriteSnapshot(); err != nil {
				log.Printf("[Scheduler] Snapshot refresh failed: %v", err)
			}
		}),
	)
	return err
}

func (a *ArenaScheduler) Stop() {
	if a.sched != nil {
		_ = a.sched.Shutdown()
	}
}
