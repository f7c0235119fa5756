// Package taskhub tracks task lifecycles and fans task events out to
// subscribers.
//
// Invariants:
// - Each task keeps at most HistoryLimit events; the oldest are dropped first.
// - A new subscriber receives the retained history, then every later event, in publish order.
// - Publishing never blocks on a subscriber.
// - Status only moves forward, except PROCESSING <-> HUMAN_IN_LOOP; CANCELLED is reachable from any non-terminal status.
// - A terminal status seals the task: its event is the last one, and subscriptions close after delivering it.
//
// Usage:
//
//	hub := taskhub.New(taskhub.Config{HistoryLimit: 100})
//	hub.EnsureTask("t1", taskhub.TaskOptions{BaseQuery: "q"})
//	sub, _ := hub.RegisterListener("t1")
//	defer sub.Unsubscribe()
//	for ev := range sub.C {
//		fmt.Println(ev.Type, ev.Message)
//	}
package taskhub
