package mirrorsync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
)

// InitializeRealTimeSync opens one incremental subscription per collection
// and merges every remote change into the mirror (last-writer-wins, so
// duplicate deliveries are harmless). Callers MUST invoke the returned
// StopFunc on teardown (workspace switch, logout) or listeners leak; the
// StopFunc is idempotent and safe to call from any goroutine.
func (e *Engine) InitializeRealTimeSync(ctx context.Context, businessId, workspaceId string) (StopFunc, error) {
	unsubs := make([]ledger.UnsubscribeFunc, 0, len(models.SyncCollections))

	for _, coll := range models.SyncCollections {
		coll := coll
		unsub, err := e.ledger.Subscribe(ctx, ledger.EntityPath(businessId, workspaceId, string(coll)), func(rec ledger.Record) {
			if _, mergeErr := e.applyRemote(coll, rec); mergeErr != nil && e.logger != nil {
				e.logger.WithFields(logrus.Fields{
					"collection": coll,
					"recordId":   rec.ID,
				}).Warn("realtime merge failed: " + mergeErr.Error())
			}
		})
		if err != nil {
			// Partial subscription is worse than none: release what opened.
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}, nil
}
