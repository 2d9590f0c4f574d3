package models

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"
)

// ChangeEvent is what mirror writers publish and dashboard readers consume.
// It carries identifiers only; subscribers re-read the mirror, which stays the
// single source of truth for UI state.
type ChangeEvent struct {
	Collection  Collection `json:"collection"`
	BusinessId  string     `json:"businessId"`
	WorkspaceId string     `json:"workspaceId"`
	EntityId    string     `json:"entityId"`
	Deleted     bool       `json:"deleted"`
}

// ChangeBus is the in-process publish/subscribe channel between mirror
// writers and per-page subscribers. Topics are scoped per workspace and
// collection, matching what each dashboard page watches.
type ChangeBus struct {
	pubsub *gochannel.GoChannel
}

func NewChangeBus(logger *logrus.Logger) *ChangeBus {
	return &ChangeBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, newWatermillLogger(logger)),
	}
}

func changeTopic(collection Collection, workspaceId string) string {
	return fmt.Sprintf("mirror.%s.%s", collection, workspaceId)
}

func (b *ChangeBus) Publish(ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(changeTopic(ev.Collection, ev.WorkspaceId), msg)
}

// Subscribe returns live change events for one collection in one workspace.
// The channel closes when ctx is cancelled.
func (b *ChangeBus) Subscribe(ctx context.Context, collection Collection, workspaceId string) (<-chan ChangeEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, changeTopic(collection, workspaceId))
	if err != nil {
		return nil, err
	}
	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev ChangeEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *ChangeBus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts logrus to watermill's logger interface.
type watermillLogger struct {
	entry *logrus.Entry
}

func newWatermillLogger(logger *logrus.Logger) watermill.LoggerAdapter {
	return &watermillLogger{entry: logrus.NewEntry(logger)}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.withFields(fields).WithError(err).Error(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.withFields(fields).Debug(msg) // watermill is chatty; keep at debug
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.withFields(fields).Debug(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.withFields(fields).Trace(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{entry: l.withFields(fields)}
}

func (l *watermillLogger) withFields(fields watermill.LogFields) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields))
}
