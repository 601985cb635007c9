/**
 * @description
 * Background housekeeping for bulk transactions. A cron schedule scans the
 * persisted aggregates and force-closes any non-terminal bulk older than
 * the configured staleness bound, so a lost saga event cannot leave a bulk
 * pending forever.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: For the sweep schedule.
 * - internal/bulk, internal/store: Aggregate access and force-close.
 */

package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mowali/switch-connector/internal/bulk"
	"github.com/mowali/switch-connector/internal/store"
)

const bulkKeyPrefix = "bulkTransaction_"

// Sweeper periodically force-closes stale bulk transactions.
type Sweeper struct {
	repo       store.Repository
	handlers   *bulk.Handlers
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewSweeper creates a sweeper; Start schedules it.
func NewSweeper(repo store.Repository, handlers *bulk.Handlers, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		repo:       repo,
		handlers:   handlers,
		staleAfter: staleAfter,
		cron:       cron.New(),
	}
}

// Start registers the sweep on the given cron schedule and begins running.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"sweeper started\" schedule=%q stale_after=%s", schedule, s.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass over every persisted bulk aggregate.
func (s *Sweeper) Sweep() {
	ctx := context.Background()
	keys, err := s.repo.Keys(ctx, bulkKeyPrefix+"*")
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"listing bulk aggregates failed\" error=%q", err)
		return
	}

	swept := 0
	for _, key := range keys {
		bulkID := strings.TrimPrefix(key, bulkKeyPrefix)
		agg, err := bulk.LoadFromRepo(ctx, s.repo, bulkID)
		if err != nil {
			log.Printf("level=error component=sweeper msg=\"loading bulk failed\" bulk_id=%s error=%q", bulkID, err)
			continue
		}
		state, err := agg.GlobalState(ctx)
		if err != nil || state.Terminal() {
			continue
		}
		createdAt, err := agg.CreatedAt(ctx)
		if err != nil {
			continue
		}
		if time.Since(createdAt) < s.staleAfter {
			continue
		}
		if err := s.handlers.FinalizeStale(ctx, bulkID); err != nil {
			log.Printf("level=error component=sweeper msg=\"force-closing stale bulk failed\" bulk_id=%s error=%q", bulkID, err)
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Printf("level=info component=sweeper msg=\"swept stale bulk transactions\" count=%d", swept)
	}
}
