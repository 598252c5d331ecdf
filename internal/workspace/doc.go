// Package workspace is a worker's view of the files its coordinator sent it.
//
// # Overview
//
// A Workspace wraps a storage.Store and splits its names into areas:
//
//	┌─────────────────────────────────────┐
//	│            WORKSPACE                │
//	├─────────────────────────────────────┤
//	│  cache/     shared per image        │
//	│  packages/  uploaded archives       │
//	│  sandbox/   private to the worker   │
//	├─────────────────────────────────────┤
//	│  package state                      │
//	│  installed -> built -> enabled      │
//	└─────────────────────────────────────┘
//
// Files arrive through the worker's SendFile handler and are checked through
// its CheckFile handler, which compares checksums so the coordinator only
// transfers what changed.
//
// # Packages
//
// A package goes through three steps, each requiring the previous one:
// Install (after the archive was uploaded), Build and Enable. Installing a
// different archive under the same name resets the later steps. Clearing the
// packages area forgets all of it.
//
// # Concurrency
//
// Operation counters are updated atomically and package state is guarded by
// a mutex, so a Workspace may be shared by the sessions of one worker.
package workspace
