package mirrorsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// PushDispatcher drains the durable push queue toward the remote ledger.
// The queue holds at most one row per entity id, always the latest version,
// and different ids ship independently. Failures back off exponentially;
// after MaxAttempts a row goes DEAD but is never deleted, so no write is
// dropped silently.
type PushDispatcher struct {
	mirror       *models.Mirror
	ledger       ledger.Ledger
	logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	notify chan struct{}

	mu      sync.Mutex
	onError func(op models.PushOperation, err error)
}

func NewPushDispatcher(mirror *models.Mirror, lg ledger.Ledger, logger *logrus.Logger) *PushDispatcher {
	return &PushDispatcher{
		mirror:         mirror,
		ledger:         lg,
		logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   2 * time.Second,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		notify:         make(chan struct{}, 1),
	}
}

func (d *PushDispatcher) setOnError(fn func(op models.PushOperation, err error)) {
	d.mu.Lock()
	d.onError = fn
	d.mu.Unlock()
}

func (d *PushDispatcher) reportError(op models.PushOperation, err error) {
	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	if fn != nil {
		fn(op, err)
	}
}

// Notify wakes the dispatcher immediately (fresh local write, connectivity
// back). Coalesces: at most one pending wake-up.
func (d *PushDispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *PushDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *PushDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.mirror.DB()

	var claimed []models.PushOperation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING with a stale lock (dispatcher died mid-batch)
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{string(models.PushStatusPending), string(models.PushStatusFailed)}, now, string(models.PushStatusProcessing), staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// Poison rows go terminal; the write stays queued and visible.
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max push attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.PushStatusDead
				if err := tx.Model(&models.PushOperation{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          string(models.PushStatusDead),
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].Status = models.PushStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].Attempts = claimed[i].Attempts + 1
			if err := tx.Model(&models.PushOperation{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          string(models.PushStatusProcessing),
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, op := range claimed {
		if op.Status == models.PushStatusDead {
			d.reportError(op, fmt.Errorf("push dead-lettered after %d attempts", op.Attempts))
			continue
		}
		pushErr := d.ledger.Write(ctx, ledger.EntityPath(op.BusinessId, op.WorkspaceId, op.Collection), ledger.Record{
			ID:        op.EntityId,
			UpdatedAt: op.EntityUpdatedAt,
			Deleted:   op.Deleted,
			Data:      op.Payload,
		})
		if pushErr != nil {
			d.markPushFailed(ctx, op, pushErr)
			continue
		}
		d.resolvePushed(ctx, op)
	}
}

// resolvePushed removes the queue row, but only if it still carries the
// version that was sent: a fresher coalesced write re-arms the row and must
// survive.
func (d *PushDispatcher) resolvePushed(ctx context.Context, op models.PushOperation) {
	db := d.mirror.DB().WithContext(ctx)
	_ = db.Where("id = ? AND entity_updated_at = ?", op.ID, op.EntityUpdatedAt).
		Delete(&models.PushOperation{}).Error
}

func (d *PushDispatcher) markPushFailed(ctx context.Context, op models.PushOperation, pushErr error) {
	db := d.mirror.DB().WithContext(ctx)
	now := time.Now().UTC()
	msg := pushErr.Error()

	if d.MaxAttempts > 0 && op.Attempts >= d.MaxAttempts {
		res := db.Model(&models.PushOperation{}).
			Where("id = ? AND entity_updated_at = ?", op.ID, op.EntityUpdatedAt).
			Updates(map[string]interface{}{
				"status":          string(models.PushStatusDead),
				"last_error":      &msg,
				"next_attempt_at": nil,
				"locked_at":       nil,
				"locked_by":       nil,
			})
		if res.Error == nil && res.RowsAffected == 0 {
			// A coalesced edit re-armed the row mid-flight; the failure
			// applied to a version that no longer exists.
			return
		}

		d.reportError(op, pushErr)
		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"field":       "PushDispatcher",
				"business_id": op.BusinessId,
				"collection":  op.Collection,
				"entity_id":   op.EntityId,
				"attempt":     op.Attempts,
			}).Error("push moved to DEAD after max attempts: " + msg)
		}
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < op.Attempts; i++ {
		backoff *= 2
		if backoff > d.MaxBackoff {
			backoff = d.MaxBackoff
			break
		}
	}
	next := now.Add(backoff)
	res := db.Model(&models.PushOperation{}).
		Where("id = ? AND entity_updated_at = ?", op.ID, op.EntityUpdatedAt).
		Updates(map[string]interface{}{
			"status":          string(models.PushStatusFailed),
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		})
	if res.Error == nil && res.RowsAffected == 0 {
		return
	}

	// A rejection that is not a connectivity problem needs user attention
	// right away, not after twenty silent retries.
	if utils.Kind(pushErr) != utils.KindNetwork {
		d.reportError(op, pushErr)
	}

	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"field":           "PushDispatcher",
			"business_id":     op.BusinessId,
			"collection":      op.Collection,
			"entity_id":       op.EntityId,
			"attempt":         op.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Warn("push failed: " + msg)
	}
}
