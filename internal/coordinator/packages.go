package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// PackageExt is the file extension of a package archive.
const PackageExt = ".par"

// DestPackages is where workers keep uploaded packages.
const DestPackages = "packages"

// DirPackages serves packages from a local directory.
type DirPackages struct {
	Dir string

	mu      sync.Mutex
	built   map[string]bool
	enabled map[string]bool
}

// NewDirPackages returns a manager for the archives under dir.
func NewDirPackages(dir string) *DirPackages {
	return &DirPackages{Dir: dir, built: make(map[string]bool), enabled: make(map[string]bool)}
}

// Resolve returns the archive path of name.
func (p *DirPackages) Resolve(name string) (string, error) {
	name = strings.TrimSuffix(name, PackageExt)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid package name %q", name)
	}
	path := filepath.Join(p.Dir, name+PackageExt)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("package %s: %w", name, err)
	}
	return path, nil
}

// Build checks that name can be resolved and records it as built.
func (p *DirPackages) Build(name string) error {
	if _, err := p.Resolve(name); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.built[strings.TrimSuffix(name, PackageExt)] = true
	return nil
}

// Install records name as enabled. It must have been built.
func (p *DirPackages) Install(name string) error {
	name = strings.TrimSuffix(name, PackageExt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built[name] {
		return fmt.Errorf("package %s has not been built", name)
	}
	p.enabled[name] = true
	return nil
}

// Enabled reports whether name was installed.
func (p *DirPackages) Enabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[strings.TrimSuffix(name, PackageExt)]
}

func (c *Coordinator) packageManager() (PackageManager, error) {
	if c.packages == nil {
		return nil, errors.New("no package manager configured")
	}
	return c.packages, nil
}

// UploadPackage distributes a package archive to one worker per image and
// has it unpacked there. Sub-coordinators sharing an image with a
// representative are told to pick it up from the shared area. It returns the
// number of workers that installed the package.
func (c *Coordinator) UploadPackage(ctx context.Context, name string) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	pm, err := c.packageManager()
	if err != nil {
		return 0, err
	}
	file, err := pm.Resolve(name)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(file)
	if err != nil {
		return 0, err
	}
	base := filepath.Base(file)

	var errs []error
	installed := 0
	for _, w := range c.reg.Unique() {
		if !w.Valid() {
			continue
		}
		need, err := c.checkFile(ctx, file, "+"+base, w, true)
		if err != nil {
			errs = append(errs, err)
			if !w.Valid() {
				continue
			}
		}
		if need {
			if !c.streamTo(w, file, remoteName(file, DestPackages), fi.Size(), true, true, w.IsSubCoordinator()) {
				errs = append(errs, fmt.Errorf("upload of %s to %s failed", base, w))
				continue
			}
			delete(c.acks, w)
			if _, err := c.CollectWorker(ctx, w, CollectOptions{EndKind: wire.KindSendFile, Timeout: c.cfg.CollectTimeout}); err != nil {
				errs = append(errs, err)
			}
			if err := c.confirmTransfer(w, file, fi); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		ok, err := c.unpack(ctx, w, "-"+base)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			installed++
		}
	}
	for _, w := range c.reg.NonUnique() {
		if !w.Valid() {
			continue
		}
		ok, err := c.unpack(ctx, w, "="+base)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			installed++
		}
	}
	c.log.Info("package uploaded", zap.String("package", base), zap.Int("workers", installed))
	return installed, errors.Join(errs...)
}

// unpack asks w to unpack an uploaded archive. The worker answers status 1
// on success.
func (c *Coordinator) unpack(ctx context.Context, w *cluster.Worker, name string) (bool, error) {
	missing, err := c.remoteCheck(ctx, w, name, "", false)
	if err != nil {
		return false, err
	}
	if missing {
		return false, fmt.Errorf("%s could not unpack %s", w, strings.TrimLeft(name, "-="))
	}
	return true, nil
}

// BuildPackage builds name locally and on one worker per image.
func (c *Coordinator) BuildPackage(ctx context.Context, name string) error {
	if !c.valid {
		return ErrInvalidSession
	}
	pm, err := c.packageManager()
	if err != nil {
		return err
	}
	if err := pm.Build(name); err != nil {
		return fmt.Errorf("build %s locally: %w", name, err)
	}
	c.status = 0
	n := c.BroadcastWorkers(cacheMessage(wire.CacheBuildPackage, name), c.reg.Unique())
	n += c.BroadcastWorkers(cacheMessage(wire.CacheBuildSubPackage, name), c.reg.NonUnique())
	if n == 0 {
		return nil
	}
	_, err = c.CollectSet(ctx, SetAllUnique, CollectOptions{EndKind: wire.KindLogDone, Timeout: c.cfg.CollectTimeout})
	return err
}

// EnablePackage makes a built package available to the active workers.
func (c *Coordinator) EnablePackage(ctx context.Context, name string) error {
	if !c.valid {
		return ErrInvalidSession
	}
	pm, err := c.packageManager()
	if err != nil {
		return err
	}
	if err := pm.Install(name); err != nil {
		return fmt.Errorf("enable %s locally: %w", name, err)
	}
	c.status = 0
	if c.BroadcastWorkers(cacheMessage(wire.CacheEnablePackage, name), c.reg.Active()) == 0 {
		return nil
	}
	_, err = c.CollectSet(ctx, SetActive, CollectOptions{EndKind: wire.KindLogDone, Timeout: c.cfg.CollectTimeout})
	return err
}

func cacheMessage(op wire.CacheOp, name string) *wire.Message {
	return wire.New(wire.KindCache).PutInt32(int32(op)).PutString(name)
}

// ClearRemoteCache empties the file cache on one worker per image and
// forgets the local record of what was sent.
func (c *Coordinator) ClearRemoteCache(ctx context.Context) error {
	if !c.valid {
		return ErrInvalidSession
	}
	c.ClearCache()
	c.status = 0
	if c.BroadcastWorkers(cacheMessage(wire.CacheClear, ""), c.reg.Unique()) == 0 {
		return nil
	}
	_, err := c.CollectSet(ctx, SetUnique, CollectOptions{EndKind: wire.KindLogDone, Timeout: c.cfg.CollectTimeout})
	return err
}
