package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

// EventFeed relays broker events from the bus to the hub so every connected
// listener sees the session lifecycle in near real time.
type EventFeed struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventFeed subscribes the hub to every lifecycle, task, and ingest
// event type. Subscriptions are torn down when ctx ends.
func RegisterEventFeed(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventFeed {
	f := &EventFeed{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_event_feed")),
	}
	if eventBus == nil {
		return f
	}

	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionCreated))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionActivated))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionPreempted))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionCompleted))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionCancelled))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionTransferred))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionTimeout))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionReleased))
	f.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskQueued))
	f.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskSent))
	f.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskCompleted))
	f.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskFailed))
	f.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskRequeued))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.MessageStored))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.IngestBatchProcessed))
	f.subscribe(eventBus, events.BuildSessionWildcardSubject(events.InterventionDetected))

	go func() {
		<-ctx.Done()
		f.Close()
	}()

	return f
}

// Close tears down all bus subscriptions.
func (f *EventFeed) Close() {
	for _, sub := range f.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	f.subscriptions = nil
}

func (f *EventFeed) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		f.hub.Broadcast(&Frame{
			Event:     event.Type,
			Source:    event.Source,
			Timestamp: event.Timestamp,
			Data:      event.Data,
		})
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	f.subscriptions = append(f.subscriptions, sub)
}
