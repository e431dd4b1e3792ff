/*
Package events provides an in-memory broker that fans queue events out
to subscribers.

Publish hands a *types.Event (EventWorkerJoined, EventWorkerLost,
EventTaskSubmitted, EventTaskCompleted, EventTaskRetried or
EventTaskAborted) to a channel buffered for 100 events; while that
buffer is full, Publish blocks until the broadcast loop takes an event
or Stop is called. The loop begun by Start copies each event to every
subscriber channel, each buffered for 50 events; a subscriber whose
buffer is full does not receive that event. Every event goes to every
subscriber; there is no filtering by type. Stop ends the loop without
draining events still buffered. Unsubscribe removes a subscriber and
closes its channel.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Printf("%s %s\n", ev.Type, ev.Message)
		}
	}()

	broker.Publish(&types.Event{Type: types.EventWorkerJoined, WorkerID: "w1"})
*/
package events
