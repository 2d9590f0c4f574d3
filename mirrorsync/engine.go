// Package mirrorsync keeps the local mirror converged with the remote ledger:
// initial bulk pull, incremental change subscriptions, write-through mutation
// helpers and the durable offline push queue.
package mirrorsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
)

// ProgressFunc reports bulk-pull progress: percent runs 0..100 and 100 means
// done; phase is a human-readable message for the sync overlay.
type ProgressFunc func(percent int, phase string)

// StopFunc tears down a realtime subscription set. Idempotent.
type StopFunc func()

type Engine struct {
	mirror   *models.Mirror
	ledger   ledger.Ledger
	logger   *logrus.Logger
	validate *validator.Validate

	dispatcher *PushDispatcher

	mu       sync.Mutex
	inflight map[string]*inflightSync
}

// inflightSync de-duplicates concurrent InitialSync calls for one workspace:
// the second caller awaits the first instead of issuing a second bulk fetch.
type inflightSync struct {
	done chan struct{}
	err  error
}

func NewEngine(mirror *models.Mirror, lg ledger.Ledger, logger *logrus.Logger) *Engine {
	e := &Engine{
		mirror:   mirror,
		ledger:   lg,
		logger:   logger,
		validate: validator.New(),
		inflight: map[string]*inflightSync{},
	}
	e.dispatcher = NewPushDispatcher(mirror, lg, logger)
	return e
}

func (e *Engine) Mirror() *models.Mirror      { return e.mirror }
func (e *Engine) Dispatcher() *PushDispatcher { return e.dispatcher }

// SetOnPushError installs the side channel for push failures that need user
// attention (remote rejections, dead-lettered writes). Never called for
// transient network retries.
func (e *Engine) SetOnPushError(fn func(op models.PushOperation, err error)) {
	e.dispatcher.setOnError(fn)
}

// InitialSync bulk-fetches every collection of the workspace and merges into
// the mirror. Safe to call repeatedly and concurrently: merges are
// last-writer-wins upserts, and concurrent calls for the same
// (business, workspace) pair share a single fetch. On failure the mirror
// keeps whatever was already merged and the caller may retry.
func (e *Engine) InitialSync(ctx context.Context, businessId, workspaceId string, onProgress ProgressFunc) error {
	key := businessId + "|" + workspaceId

	e.mu.Lock()
	if call, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &inflightSync{done: make(chan struct{})}
	e.inflight[key] = call
	e.mu.Unlock()

	err := e.bulkPull(ctx, businessId, workspaceId, onProgress)
	if cpErr := models.UpsertSyncCheckpoint(e.mirror.DB(), businessId, workspaceId, err); cpErr != nil && e.logger != nil {
		e.logger.WithError(cpErr).Warn("failed to record sync checkpoint")
	}

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	call.err = err
	close(call.done)
	return err
}

func (e *Engine) bulkPull(ctx context.Context, businessId, workspaceId string, onProgress ProgressFunc) error {
	report := func(pct int, phase string) {
		if onProgress != nil {
			onProgress(pct, phase)
		}
	}
	report(0, "Préparation de la synchronisation")

	total := len(models.SyncCollections)
	for i, coll := range models.SyncCollections {
		report(i*100/total, "Synchronisation "+phaseLabel(coll))

		records, err := e.ledger.BulkRead(ctx, ledger.EntityPath(businessId, workspaceId, string(coll)))
		if err != nil {
			return fmt.Errorf("bulk read %s: %w", coll, err)
		}
		for _, rec := range records {
			if _, err := e.applyRemote(coll, rec); err != nil && e.logger != nil {
				e.logger.WithFields(logrus.Fields{
					"collection": coll,
					"recordId":   rec.ID,
				}).Warn("skipping unmergeable remote record: " + err.Error())
			}
		}
	}

	report(100, "Synchronisation terminée")
	return nil
}

func phaseLabel(coll models.Collection) string {
	switch coll {
	case models.CollectionClients:
		return "des clients"
	case models.CollectionReservations:
		return "des réservations"
	case models.CollectionStockItems:
		return "du stock"
	case models.CollectionExpenses:
		return "des dépenses"
	case models.CollectionQuickIncomes:
		return "des revenus"
	case models.CollectionInvestments:
		return "des investissements"
	case models.CollectionPlanningItems:
		return "du planning"
	case models.CollectionActivityLogs:
		return "du journal d'activité"
	default:
		return string(coll)
	}
}
