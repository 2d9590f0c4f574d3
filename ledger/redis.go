package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// RedisLedger is the reference Ledger implementation: one hash per partition
// (field = record id, value = serialized Record) and one pub/sub channel per
// partition for the change stream. Conditional writes are serialized per
// record with redislock so two devices racing on the same id cannot
// interleave the read-compare-write.
type RedisLedger struct {
	rdb    *redis.Client
	locker *redislock.Client
	logger *logrus.Logger
}

func NewRedisLedger(rdb *redis.Client, locker *redislock.Client, logger *logrus.Logger) *RedisLedger {
	return &RedisLedger{rdb: rdb, locker: locker, logger: logger}
}

func hashKey(path Path) string    { return "ledger:" + path.Key() }
func channelKey(path Path) string { return "ledger-changes:" + path.Key() }
func lockKey(path Path, id string) string {
	return "ledger-lock:" + path.Key() + "/" + id
}

func netErr(err error) error {
	return utils.WrapKind(utils.KindNetwork, err)
}

func (l *RedisLedger) BulkRead(ctx context.Context, path Path) ([]Record, error) {
	raw, err := l.rdb.HGetAll(ctx, hashKey(path)).Result()
	if err != nil {
		return nil, netErr(err)
	}
	records := make([]Record, 0, len(raw))
	for id, val := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			if l.logger != nil {
				l.logger.WithFields(logrus.Fields{
					"path": path.Key(),
					"id":   id,
				}).Warn("skipping undecodable ledger record: " + err.Error())
			}
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *RedisLedger) Subscribe(ctx context.Context, path Path, fn ChangeHandler) (UnsubscribeFunc, error) {
	ps := l.rdb.Subscribe(ctx, channelKey(path))
	// Force the subscription onto the wire before returning, so callers never
	// miss events between Subscribe and the first delivery.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, netErr(err)
	}

	go func() {
		for msg := range ps.Channel() {
			var rec Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				continue
			}
			fn(rec)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { _ = ps.Close() })
	}, nil
}

func (l *RedisLedger) Write(ctx context.Context, path Path, rec Record) error {
	if rec.ID == "" {
		return utils.Errorf(utils.KindInvalid, "ledger write without record id")
	}

	lock, err := l.locker.Obtain(ctx, lockKey(path, rec.ID), 10*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return netErr(errors.New("ledger record busy: " + rec.ID))
		}
		return netErr(err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	stored, err := l.rdb.HGet(ctx, hashKey(path), rec.ID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return netErr(err)
	}
	if err == nil {
		var existing Record
		if decodeErr := json.Unmarshal([]byte(stored), &existing); decodeErr == nil && existing.UpdatedAt > rec.UpdatedAt {
			// Superseded: a fresher version already landed.
			return nil
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.rdb.HSet(ctx, hashKey(path), rec.ID, payload).Err(); err != nil {
		return netErr(err)
	}
	if err := l.rdb.Publish(ctx, channelKey(path), payload).Err(); err != nil {
		// The write itself is durable; subscribers will pick the record up on
		// their next bulk read.
		if l.logger != nil {
			l.logger.WithField("path", path.Key()).Warn("ledger change publish failed: " + err.Error())
		}
	}
	return nil
}

func (l *RedisLedger) Remove(ctx context.Context, path Path, id string) error {
	if err := l.rdb.HDel(ctx, hashKey(path), id).Err(); err != nil {
		return netErr(err)
	}
	tombstone := Record{ID: id, UpdatedAt: time.Now().UnixMilli(), Deleted: true}
	payload, err := json.Marshal(tombstone)
	if err != nil {
		return err
	}
	if err := l.rdb.Publish(ctx, channelKey(path), payload).Err(); err != nil {
		return netErr(err)
	}
	return nil
}
