// Package coordinator drives a pool of workers from a single control
// goroutine: it starts them, decides which take part in processing, fans
// requests out, collects the replies and takes failed workers out of service.
//
// # Overview
//
// A Coordinator owns a Registry of workers. Every request follows the same
// pattern: Broadcast a message to a worker set, then Collect until each
// addressed worker has answered, failed, or the timeout ran out. While it
// collects, the coordinator also serves whatever the workers ask for in the
// meantime (work ranges, objects, log uploads), so a collect may nest
// another one, for example to ask a sub-coordinator for its parallelism.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │  Registry                              │  │
//	│  │  - All / Active / Inactive / Bad       │  │
//	│  │  - Unique / NonUnique per image        │  │
//	│  │  - one socket monitor per set          │  │
//	│  └────────────────────────────────────────┘  │
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │  Collect engine                        │  │
//	│  │  - stack of nested sessions            │  │
//	│  │  - poll budget and stale sweeps        │  │
//	│  │  - Done / DoneForOuter routing         │  │
//	│  └────────────────────────────────────────┘  │
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │  Dispatcher                            │  │
//	│  │  - one Handler per message kind        │  │
//	│  │  - work requests served via Planner    │  │
//	│  └────────────────────────────────────────┘  │
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │  Failure handling                      │  │
//	│  │  - MarkBad and work reassignment       │  │
//	│  │  - liveness pings                      │  │
//	│  │  - membership snapshot                 │  │
//	│  └────────────────────────────────────────┘  │
//	│                                              │
//	└──────────────────────────────────────────────┘
//
// # Worker Sets
//
// All holds every worker in descending performance order. Once selected by
// SetActiveCount a worker is in exactly one of Active, Inactive or Bad. Bad is
// final for the session: a bad worker is never selected or activated again.
// Unique has one representative per image among the active workers, and is
// what file and package distribution address; NonUnique holds the
// sub-coordinators that share an image with a representative but still have
// to fan requests out to their own workers.
//
// # Collecting
//
// A collect waits on a socket monitor. Each handler returns an Outcome:
// Continue keeps the worker in the collect, Done removes it, DoneForOuter
// removes it from the enclosing collect. A Done reply of a kind other than
// the collect's EndKind is treated as DoneForOuter, which lets a reply that
// belongs to an outer request arrive while an inner one is running.
//
// The timeout is a budget of poll intervals without any reply; it is not a
// wall-clock deadline. Workers still pending when it runs out are logged and
// dropped from the collect but stay in service.
//
// # Concurrency
//
// A Coordinator is not safe for concurrent use. Interrupt, InterruptCurrent,
// StopProcess and Latency are the exceptions and may be called from any
// goroutine. Connections themselves are read by their own goroutines, which
// is what the socket monitors wait on.
package coordinator
