package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duke-git/lancet/v2/cryptor"
)

// DirStore keeps files under a root directory, one file per name. It is the
// backend of a worker's sandbox, so files it holds can be handed to local
// processes by path.
type DirStore struct {
	root string
	mu   sync.RWMutex
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Path maps a name to its location on disk. Names escaping the root are
// refused.
func (d *DirStore) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file name %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *DirStore) Get(key string) ([]byte, error) {
	p, err := d.Path(key)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

// Put writes through a temporary file so readers never see a partial file.
func (d *DirStore) Put(key string, value []byte) error {
	p, err := d.Path(key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".part"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (d *DirStore) Delete(key string) error {
	p, err := d.Path(key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DirStore) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	_ = filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() || strings.HasSuffix(path, ".part") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err == nil {
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	return keys
}

func (d *DirStore) Checksum(key string) (string, error) {
	p, err := d.Path(key)
	if err != nil {
		return "", err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", ErrKeyNotFound
	}
	return cryptor.Md5File(p)
}

func (d *DirStore) Stats() StoreStats {
	var st StoreStats
	for _, k := range d.List() {
		p, err := d.Path(k)
		if err != nil {
			continue
		}
		if fi, err := os.Stat(p); err == nil {
			st.Keys++
			st.Bytes += int(fi.Size())
		}
	}
	return st
}
