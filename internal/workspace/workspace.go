package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dreamware/pcoord/internal/storage"
)

// Area is a top-level region of a workspace.
type Area string

const (
	// AreaCache holds files shared by every worker running the same image
	AreaCache Area = "cache"
	// AreaPackages holds uploaded package archives
	AreaPackages Area = "packages"
	// AreaSandbox holds files private to one worker
	AreaSandbox Area = "sandbox"
)

// PackageExt is the file extension of a package archive.
const PackageExt = ".par"

// ErrNotInstalled is returned when a package step runs out of order.
var ErrNotInstalled = errors.New("package not installed")

// Workspace is the set of files a worker holds on behalf of its coordinator,
// together with the state of the packages it installed.
type Workspace struct {
	Store storage.Store // Backend holding the files
	Stats *Stats        // Operation statistics

	mu        sync.RWMutex      // Protects the package maps
	installed map[string]string // Package name to archive MD5
	built     map[string]bool
	enabled   map[string]bool
}

// Stats tracks operational statistics for a workspace
type Stats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of reads
	Puts    uint64 // Number of writes
	Deletes uint64 // Number of removals
}

// Info summarizes a workspace
type Info struct {
	Files     int
	Bytes     int
	Installed []string
}

// New wraps store. A nil store gets an in-memory one.
func New(store storage.Store) *Workspace {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &Workspace{
		Store:     store,
		Stats:     &Stats{},
		installed: make(map[string]string),
		built:     make(map[string]bool),
		enabled:   make(map[string]bool),
	}
}

// Key joins an area and a name.
func Key(a Area, name string) string {
	return path.Join(string(a), name)
}

// Resolve maps a name sent by the coordinator to its key. Names without a
// directory land in the sandbox.
func Resolve(name string) string {
	if strings.Contains(name, "/") {
		return path.Clean(name)
	}
	return Key(AreaSandbox, name)
}

// Get reads a file
// Increments the read counter
func (w *Workspace) Get(key string) ([]byte, error) {
	atomic.AddUint64(&w.Stats.Ops.Gets, 1)
	return w.Store.Get(key)
}

// Put writes a file
// Increments the write counter
func (w *Workspace) Put(key string, value []byte) error {
	atomic.AddUint64(&w.Stats.Ops.Puts, 1)
	return w.Store.Put(key, value)
}

// Delete removes a file
// Increments the delete counter
func (w *Workspace) Delete(key string) error {
	atomic.AddUint64(&w.Stats.Ops.Deletes, 1)
	return w.Store.Delete(key)
}

// Checksum returns the hex MD5 of a file.
func (w *Workspace) Checksum(key string) (string, error) {
	return w.Store.Checksum(key)
}

// Has reports whether key holds content with the given MD5. An empty sum
// only checks presence.
func (w *Workspace) Has(key, sum string) bool {
	got, err := w.Store.Checksum(key)
	if err != nil {
		return false
	}
	return sum == "" || got == sum
}

// List returns the keys of an area in sorted order.
func (w *Workspace) List(a Area) []string {
	prefix := string(a) + "/"
	var keys []string
	for _, key := range w.Store.List() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear deletes every file of an area and returns how many went.
func (w *Workspace) Clear(a Area) int {
	keys := w.List(a)
	for _, key := range keys {
		_ = w.Delete(key)
	}
	if a == AreaPackages {
		w.mu.Lock()
		w.installed = make(map[string]string)
		w.built = make(map[string]bool)
		w.enabled = make(map[string]bool)
		w.mu.Unlock()
	}
	return len(keys)
}

// Materialize returns a path on disk holding the file at key. Directory
// backed stores hand out the file itself; otherwise a temporary copy is
// written and cleanup removes it.
func (w *Workspace) Materialize(key string) (string, func(), error) {
	if d, ok := w.Store.(interface{ Path(string) (string, error) }); ok {
		p, err := d.Path(key)
		return p, func() {}, err
	}
	data, err := w.Get(key)
	if err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp("", "pcworker-")
	if err != nil {
		return "", nil, err
	}
	p := path.Join(dir, path.Base(key))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	return p, func() { _ = os.RemoveAll(dir) }, nil
}

// PackageName strips the archive extension.
func PackageName(name string) string {
	return strings.TrimSuffix(path.Base(name), PackageExt)
}

// Install unpacks an uploaded archive. The archive must be in the packages
// area.
func (w *Workspace) Install(name string) error {
	pkg := PackageName(name)
	key := Key(AreaPackages, pkg+PackageExt)
	sum, err := w.Checksum(key)
	if err != nil {
		return fmt.Errorf("install %s: %w", pkg, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.installed[pkg] != sum {
		delete(w.built, pkg)
		delete(w.enabled, pkg)
	}
	w.installed[pkg] = sum
	return nil
}

// Installed returns the MD5 of the archive a package was installed from.
func (w *Workspace) Installed(name string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	sum, ok := w.installed[PackageName(name)]
	return sum, ok
}

// Build marks an installed package as built.
func (w *Workspace) Build(name string) error {
	pkg := PackageName(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.installed[pkg]; !ok {
		return fmt.Errorf("build %s: %w", pkg, ErrNotInstalled)
	}
	w.built[pkg] = true
	return nil
}

// Enable makes a built package usable by jobs.
func (w *Workspace) Enable(name string) error {
	pkg := PackageName(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.built[pkg] {
		return fmt.Errorf("enable %s: not built", pkg)
	}
	w.enabled[pkg] = true
	return nil
}

// Enabled reports whether a package was enabled.
func (w *Workspace) Enabled(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled[PackageName(name)]
}

// GetStats returns current statistics
func (w *Workspace) GetStats() Stats {
	return Stats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&w.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&w.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&w.Stats.Ops.Deletes),
		},
		Storage: w.Store.Stats(),
	}
}

// Info returns a summary of the workspace
func (w *Workspace) Info() Info {
	st := w.Store.Stats()
	w.mu.RLock()
	pkgs := make([]string, 0, len(w.installed))
	for p := range w.installed {
		pkgs = append(pkgs, p)
	}
	w.mu.RUnlock()
	sort.Strings(pkgs)
	return Info{Files: st.Keys, Bytes: st.Bytes, Installed: pkgs}
}
