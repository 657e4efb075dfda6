package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/phasemux/internal/journal"
	"github.com/zsiec/phasemux/internal/slsm"
)

// journalTimeout bounds the run bookkeeping writes.
const journalTimeout = 5 * time.Second

// runner records every engine start and stop as a journal run. It is the
// engine the API controls.
type runner struct {
	*slsm.Engine
	journal *journal.Journal
	log     *slog.Logger

	mu    sync.Mutex
	runID string
}

func newRunner(eng *slsm.Engine, j *journal.Journal, log *slog.Logger) *runner {
	return &runner{Engine: eng, journal: j, log: log}
}

// Start starts the engine and opens a run if it was stopped.
func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasRunning := r.Engine.IsRunning()
	if err := r.Engine.Start(ctx); err != nil {
		return err
	}
	if wasRunning || r.journal == nil {
		return nil
	}

	p := r.Engine.Params()
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	id, err := r.journal.BeginRun(jctx, journal.RunInfo{
		Phases:     p.Phases,
		Interlaced: p.Interlaced,
		OutputRate: p.OutputRate.String(),
	})
	if err != nil {
		r.log.Warn("failed to record run start", "error", err)
		return nil
	}
	r.runID = id
	return nil
}

// Stop stops the engine and closes the open run.
func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Engine.Stop()
	if r.runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := r.journal.EndRun(ctx, r.runID); err != nil {
		r.log.Warn("failed to record run stop", "run", r.runID, "error", err)
	}
	r.runID = ""
}

// RunID returns the id of the open run, or "" if none.
func (r *runner) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}
