/*
Package events is a small pub/sub broker for lifecycle events: connections
opening and closing, workers spawning and restarting, a personality's
registry state changing. It decouples observers (logging, metrics,
operator tooling) from the internals of pkg/mux and pkg/registry.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventConnectionOpened:
				log.Printf("connection opened: %s", event.Message)
			case events.EventWorkerRestarted:
				log.Printf("worker restarted: %s", event.Message)
			}
		}
	}()

	broker.Publish(&events.Event{
		ID:      "conn-123",
		Type:    events.EventConnectionOpened,
		Message: "127.0.0.1:54321 connected",
	})

Publish sets Timestamp automatically when it's left zero. A subscriber
with a full buffer drops the event rather than blocking the broadcaster —
events is a best-effort observation channel, not a durable log.
*/
package events
