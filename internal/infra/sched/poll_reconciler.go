package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/usecase"
)

// PollReconciler periodically scans for stale pending intents and tries to
// finalize them through the provider status-poll channel. This covers
// sandbox/local environments that never receive webhooks, dropped redirects,
// and crashes mid-confirm.
type PollReconciler struct {
	uc         usecase.ReconcileUseCase
	intents    repository.IntentRepository
	interval   time.Duration // how often to scan
	staleAfter time.Duration // how old a pending intent must be to retry
	batchLimit int
	log        *zerolog.Logger
}

func NewPollReconciler(uc usecase.ReconcileUseCase, intents repository.IntentRepository, interval, staleAfter time.Duration, batchLimit int, logger *zerolog.Logger) *PollReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &PollReconciler{uc: uc, intents: intents, interval: interval, staleAfter: staleAfter, batchLimit: batchLimit, log: logger}
}

func (w *PollReconciler) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PollReconciler) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleAfter)
	pending, err := w.intents.ListPendingOlderThan(ctx, nil, cutoff, w.batchLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("poll-reconciler: list pending failed")
		return
	}
	for _, p := range pending {
		if p.ProviderTxnID == "" {
			continue
		}
		res, err := w.uc.PollIntent(ctx, p.ID)
		if err != nil {
			w.log.Warn().Str("intent_id", p.ID).Str("provider", p.Provider).Err(err).Msg("poll-reconciler: poll failed")
			continue
		}
		if res.Outcome == usecase.OutcomeActivated {
			w.log.Info().Str("intent_id", p.ID).Msg("poll-reconciler: reconciled stale intent")
		}
	}
}
