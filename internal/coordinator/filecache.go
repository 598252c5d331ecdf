package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/duke-git/lancet/v2/cryptor"
	"go.uber.org/zap"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/wire"
)

// SendFlags modify SendFile.
type SendFlags uint

const (
	// SendForce skips the cache check.
	SendForce SendFlags = 1 << iota
	// SendForward asks sub-coordinators to pass the file on to their workers.
	SendForward
	// SendBinary marks the file as a platform binary.
	SendBinary
	// SendCp lets a worker satisfy the check by copying from its own cache.
	SendCp
	// SendCpBin is SendCp for binaries.
	SendCpBin
)

// chunkSize is the size of the raw frames a file is streamed in.
const chunkSize = 32 << 10

// DestCache addresses the per-image file cache on the workers.
const DestCache = "cache"

func cacheKey(file string, w *cluster.Worker) string {
	return w.Name() + ":" + w.Ordinal + ":" + filepath.Base(file)
}

// ClearCache forgets which files were sent to which workers.
func (c *Coordinator) ClearCache() {
	c.cache = make(map[string]fileEntry)
}

// NeedsSend reports whether file must be sent to w.
//
// The local record is keyed by worker and base name. While the file's
// modification time is unchanged nothing is sent. When it changed but the
// content did not, only the time is refreshed. Otherwise the worker is asked
// whether it already holds a file with that checksum. A check that gets no
// answer reports true along with the error and leaves no record behind.
func (c *Coordinator) NeedsSend(ctx context.Context, file string, w *cluster.Worker) (bool, error) {
	return c.checkFile(ctx, file, filepath.Base(file), w, false)
}

func (c *Coordinator) checkFile(ctx context.Context, file, remote string, w *cluster.Worker, cp bool) (bool, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", file, err)
	}
	key := cacheKey(file, w)
	e, ok := c.cache[key]
	if ok && e.mtime.Equal(fi.ModTime()) {
		return false, nil
	}
	sum, err := cryptor.Md5File(file)
	if err != nil {
		return false, fmt.Errorf("checksum %s: %w", file, err)
	}
	if ok && sum == e.md5 {
		e.mtime = fi.ModTime()
		c.cache[key] = e
		return false, nil
	}
	delete(c.cache, key)
	missing, err := c.remoteCheck(ctx, w, remote, sum, cp)
	if err != nil {
		return true, err
	}
	c.cache[key] = fileEntry{md5: sum, mtime: fi.ModTime()}
	return missing, nil
}

// remoteCheck sends a KindCheckFile request and reports whether the worker
// answered with status zero, meaning it does not have the file. The error is
// set only when no answer arrived.
func (c *Coordinator) remoteCheck(ctx context.Context, w *cluster.Worker, name, sum string, cp bool) (bool, error) {
	m := wire.New(wire.KindCheckFile).PutString(name).PutString(sum).PutBool(cp)
	if err := w.Conn.Send(m); err != nil {
		c.MarkBad(w, fmt.Sprintf("could not send check for %s: %v", name, err))
		return false, err
	}
	c.checkRC = -1
	_, err := c.CollectWorker(ctx, w, CollectOptions{EndKind: wire.KindCheckFile, Timeout: c.cfg.CollectTimeout})
	if c.checkRC < 0 {
		if err == nil {
			err = fmt.Errorf("no answer from %s to check of %s", w, name)
		}
		return false, err
	}
	if err != nil {
		c.log.Warn("check answered with errors", zap.Stringer("worker", w), zap.String("file", name), zap.Error(err))
	}
	return c.checkRC == 0, nil
}

// confirmTransfer looks at the status w sent back for file. Unless the
// worker stored it, the cache entry is dropped so the next attempt sends it
// again. On success the entry is brought up to date.
func (c *Coordinator) confirmTransfer(w *cluster.Worker, file string, fi os.FileInfo) error {
	key := cacheKey(file, w)
	base := filepath.Base(file)
	status, ok := c.acks[w]
	switch {
	case !ok:
		delete(c.cache, key)
		return fmt.Errorf("%w: no confirmation from %s for %s", ErrTransferFailed, w, base)
	case status != 0:
		delete(c.cache, key)
		return fmt.Errorf("%w: %s could not store %s (status %d)", ErrTransferFailed, w, base, status)
	}
	if e, cached := c.cache[key]; cached && e.mtime.Equal(fi.ModTime()) {
		return nil
	}
	sum, err := cryptor.Md5File(file)
	if err != nil {
		delete(c.cache, key)
		return nil
	}
	c.cache[key] = fileEntry{md5: sum, mtime: fi.ModTime()}
	return nil
}

// remoteName is the path a file is stored under on the worker.
func remoteName(file, dest string) string {
	base := filepath.Base(file)
	if dest == "" {
		return base
	}
	return path.Join(dest, base)
}

// SendFile distributes file to the active workers, or to one worker per image
// when dest is DestCache. Workers that already have it are skipped unless
// SendForce is set. A worker whose check goes unanswered is sent the file
// anyway. It returns the number of workers that confirmed storing the file;
// the others are named in an ErrTransferFailed error.
func (c *Coordinator) SendFile(ctx context.Context, file string, flags SendFlags, dest string) (int, error) {
	if !c.valid {
		return 0, ErrInvalidSession
	}
	fi, err := os.Stat(file)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", file, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("send %s: is a directory", file)
	}

	targets := c.reg.Active()
	if dest == DestCache {
		targets = c.reg.Unique()
	}
	cp := flags&(SendCp|SendCpBin) != 0

	var errs []error
	var sent []*cluster.Worker
	for _, w := range targets {
		if !w.Valid() {
			continue
		}
		need := true
		if flags&SendForce == 0 {
			if need, err = c.checkFile(ctx, file, filepath.Base(file), w, cp); err != nil {
				errs = append(errs, err)
				if !w.Valid() {
					continue
				}
			}
		}
		fw := flags&SendForward != 0 && w.IsSubCoordinator()
		if !need && !fw {
			continue
		}
		if c.streamTo(w, file, remoteName(file, dest), fi.Size(), need, flags&SendBinary != 0, fw) {
			sent = append(sent, w)
		} else {
			delete(c.cache, cacheKey(file, w))
		}
	}
	n := 0
	if len(sent) > 0 {
		for _, w := range sent {
			delete(c.acks, w)
		}
		if _, err := c.CollectWorkers(ctx, sent, CollectOptions{EndKind: wire.KindSendFile, Timeout: c.cfg.CollectTimeout}); err != nil {
			errs = append(errs, err)
		}
		for _, w := range sent {
			if err := c.confirmTransfer(w, file, fi); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	c.log.Debug("file distributed", zap.String("file", file), zap.Int("workers", n))
	return n, errors.Join(errs...)
}

// streamTo sends the KindSendFile header followed by the file content. With
// withData false the header announces size -1 and nothing follows, so a
// sub-coordinator forwards the copy it already has. Failures mark w bad.
func (c *Coordinator) streamTo(w *cluster.Worker, file, name string, size int64, withData, bin, fw bool) bool {
	if !withData {
		size = -1
	}
	hdr := wire.New(wire.KindSendFile).PutString(name).PutBool(bin).PutInt64(size).PutBool(fw)
	if err := w.Conn.Send(hdr); err != nil {
		c.MarkBad(w, fmt.Sprintf("could not send file header: %v", err))
		return false
	}
	if size <= 0 {
		return true
	}
	if err := c.streamFile(w, file, size); err != nil {
		c.MarkBad(w, fmt.Sprintf("problems sending %s: %v", file, err))
		return false
	}
	return true
}

func (c *Coordinator) streamFile(w *cluster.Worker, file string, size int64) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	r := io.LimitReader(f, size)
	var sent int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := w.Conn.SendRaw(buf[:n]); serr != nil {
				return serr
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if sent != size {
		return fmt.Errorf("file shrank while sending: %d of %d bytes", sent, size)
	}
	return nil
}
