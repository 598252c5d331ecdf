// Package cluster holds the vocabulary shared by the coordinator, the worker
// agent and the command line tools: worker handles, membership states, work
// ranges, the connection handshake and the JSON types of the admin API.
//
// # Overview
//
// A pcoord cluster is a tree. The root coordinator holds one connection per
// worker. A worker is either a leaf that processes ranges of work units, or a
// sub-coordinator that runs its own coordinator over a further set of workers
// and reports how many leaves it controls.
//
//	              ┌──────────────────┐
//	              │   Coordinator 0  │
//	              │                  │
//	              │ - Registry       │
//	              │ - Monitors       │
//	              │ - Planner        │
//	              └────────┬─────────┘
//	                       │
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼──────┐
//	│ Worker    │    │ Worker    │    │ SubCoord   │
//	│ 0.0       │    │ 0.1       │    │ 0.2        │
//	│ image: a  │    │ image: a  │    │ image: b   │
//	└───────────┘    └───────────┘    └─────┬──────┘
//	                                        │
//	                                 ┌──────┴──────┐
//	                                 │             │
//	                            ┌────▼────┐   ┌────▼────┐
//	                            │ 0.2.0   │   │ 0.2.1   │
//	                            └─────────┘   └─────────┘
//
// # Core Types
//
// Worker: the coordinator's handle on one remote process
//   - Ordinal is the dotted path in the tree, e.g. "0.2.1"
//   - Image names the filesystem the worker sees; workers sharing an
//     image share files, so transfers go to one of them only
//   - PerfIndex orders selection, higher first
//   - Status is one of active, inactive or bad
//
// Range: a half-open interval of work units handed out by the planner.
//
// Hello: the handshake. The coordinator announces the ordinal it assigned
// and the session tag; the worker answers with its host, image, role and
// performance index. Peers speaking another protocol version are refused.
//
// # Admin API
//
// The coordinator binary exposes its operations over HTTP/JSON. PostJSON and
// GetJSON are the client helpers used by the command line tools; error
// responses carry an ErrorResponse body that the helpers surface in the
// returned error.
//
// # Concurrency Model
//
// Worker values are not synchronized. They are owned by one coordinator and
// mutated only from the goroutine driving it.
package cluster
