// Package storage holds the files a worker receives from its coordinator:
// plain files pushed with SendFile and package archives uploaded before a
// build.
//
// # Overview
//
// The coordinator decides whether to transfer a file by comparing checksums,
// so every backend records the MD5 of what it stores and answers Checksum
// without re-reading the content where it can.
//
//	┌─────────────────────────────────────┐
//	│           Worker agent              │
//	│   CheckFile / SendFile handlers     │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	└─────────────────────────────────────┘
//	          │                  │
//	          ▼                  ▼
//	   ┌────────────┐     ┌────────────┐
//	   │  Memory    │     │   Dir      │
//	   │  Store     │     │   Store    │
//	   └────────────┘     └────────────┘
//
// # Naming
//
// Names are slash separated. The first element is the area the file belongs
// to:
//   - cache/ for files sent to the shared cache
//   - sandbox/ for files sent to the worker's private area
//   - packages/ for package archives
//
// DirStore refuses names that would escape its root.
//
// # Implementations
//
// MemoryStore: in-memory map, used by tests and short-lived workers.
//
// DirStore: one file per name under a root directory. Writes go through a
// temporary file and a rename so a concurrent CheckFile never hashes a
// partially received file.
//
// # Concurrency
//
// Both implementations are safe for concurrent use.
package storage
