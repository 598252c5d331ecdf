// Package worker is the remote end of a coordinator connection.
//
// An Agent listens for coordinators and serves each connection as its own
// session: it answers the handshake, keeps the files it is sent in a
// workspace, and works through the ranges of a job with its Processor.
//
//	coordinator ──► Agent ──► session ──► Processor
//	                  │           │
//	                  │           └──► Fanout (sub-coordinator only)
//	                  └──► Workspace
//
// # Sub-coordinators
//
// With WithFanout the agent announces itself as a sub-coordinator. Each
// session then gets its own coordinator over the workers below it:
// parallelism, activation, file and package requests are passed down, and a
// job is run on those workers with ranges drawn from the session's
// coordinator one at a time. Ranges a lower worker gives back are served
// again locally before new ones are asked for.
//
// # Sessions
//
// A session handles its messages in arrival order on one goroutine. While it
// waits for a reply from its coordinator (a range or an object) it answers
// pings and stop requests at once and keeps everything else for later.
package worker
