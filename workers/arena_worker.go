// workers/arena_worker.go
package workers

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"code-arena-system/services"
)

// ArenaWorker drives the match pipeline: a bounded pool of runners claim
// queued matches and execute them to a terminal state. In continuous mode the
// worker also generates fresh non-recent pairings whenever the queue runs
// dry. On shutdown it stops claiming and lets in-flight matches finish.
type ArenaWorker struct {
	orchestrator *services.MatchOrchestrator
	pairings     *services.PairingService
	brackets     *services.BracketService
	concurrency  int
	runForever   bool

	wg sync.WaitGroup
}

func NewArenaWorker(orchestrator *services.MatchOrchestrator, pairings *services.PairingService, brackets *services.BracketService) *ArenaWorker {
	concurrency := 1
	if raw := os.Getenv("ARENA_CONCURRENCY"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			concurrency = n
		} else {
			log.Printf("⚠️  Invalid ARENA_CONCURRENCY %q, using 1", raw)
		}
	}

	return &ArenaWorker{
		orchestrator: orchestrator,
		pairings:     pairings,
		brackets:     brackets,
		concurrency:  concurrency,
		runForever:   os.Getenv("RUN_FOREVER") == "true",
	}
}

func (w *ArenaWorker) Start(ctx context.Context) {
	log.Printf("🔁 Starting arena worker (%d runners)…", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(runner int) {
			defer w.wg.Done()
			w.run(ctx, runner)
		}(i)
	}
}

// Wait blocks until every runner has drained its in-flight match.
func (w *ArenaWorker) Wait() {
	w.wg.Wait()
	log.Println("⏹️ Arena worker stopped")
}

func (w *ArenaWorker) run(ctx context.Context, runner int) {
	for {
		if ctx.Err() != nil {
			return
		}

		match, err := w.orchestrator.ClaimNext(ctx)
		if errors.Is(err, services.ErrNoQueuedMatch) {
			if !w.idle(ctx, runner) {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("❌ Runner %d failed to claim: %v", runner, err)
			errorSleep(ctx)
			continue
		}

		// The claimed match runs to a terminal state even if shutdown starts
		// mid-pipeline; only the claim loop observes cancellation.
		runCtx := context.WithoutCancel(ctx)
		if err := w.orchestrator.Run(runCtx, match); err != nil {
			log.Printf("❌ Runner %d: match %s: %v", runner, match.ID, err)
			errorSleep(ctx)
		}
	}
}

// idle handles an empty queue: in continuous mode runner 0 tries to enqueue a
// fresh pairing, everyone else naps. Returns false when shutting down.
func (w *ArenaWorker) idle(ctx context.Context, runner int) bool {
	tournamentRunning := w.brackets != nil && w.brackets.Active()

	if w.runForever && !tournamentRunning && runner == 0 {
		_, err := w.pairings.GenerateNonRecentPairing(ctx)
		switch {
		case err == nil:
			return ctx.Err() == nil
		case errors.Is(err, services.ErrNoFreshPairing):
			log.Println("no fresh pairing available, waiting for the lookback window to move")
		case errors.Is(err, services.ErrInsufficientTeams):
			log.Println("fewer than two eligible teams, waiting")
		default:
			log.Printf("❌ Failed to generate pairing: %v", err)
		}
	}

	if !w.runForever && !tournamentRunning {
		// One-shot mode with an empty queue: nothing left to do.
		return false
	}

	return sleepCtx(ctx, 5*time.Second)
}

// errorSleep backs off after a fault the way operators expect: long enough to
// stop a crash loop, jittered so parallel runners don't thunder.
func errorSleep(ctx context.Context) {
	sleepCtx(ctx, time.Duration(15+rand.Intn(5))*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
