package remotefs

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// EntryType classifies a remote filesystem node.
type EntryType string

const (
	// EntryFile is a regular file.
	EntryFile EntryType = "file"
	// EntryDir is a directory.
	EntryDir EntryType = "directory"
	// EntrySymlink is a symbolic link.
	EntrySymlink EntryType = "symlink"
)

// DirSizeUnknown is the Size sentinel for directory entries in listings,
// where the aggregate size has not been resolved.
const DirSizeUnknown int64 = -1

// FileEntry describes one node in a directory listing.
type FileEntry struct {
	Name        string
	Path        string
	Size        int64
	Type        EntryType
	ModTime     time.Time
	Permissions string
	Owner       string
	Group       string
	LinkTarget  string
}

// session states
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateConnecting
	stateReady
	stateReconnecting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// progress is reported every N items during recursive operations.
const recursiveProgressEvery = 50

// transferChunkSize is the copy buffer for streamed transfers.
const transferChunkSize = 32 * 1024

// RemoteFileSession provides resilient, cached file operations for one host
// over a transport acquired from a shared ConnectionPool. Every remote call
// runs under an operation timeout and an exponential-backoff retry that only
// retries transient failures. A background health monitor drops degraded
// connections so the next operation reconnects transparently.
type RemoteFileSession struct {
	host     Host
	pool     *ConnectionPool
	resolver CredentialResolver
	opts     SessionOptions
	logger   *zap.Logger
	cache    *dirCache

	mu        sync.Mutex
	state     sessionState
	transport *Transport
	health    *healthMonitor
	homeDir   string
	homeSet   bool
}

// NewRemoteFileSession creates a session for one host. The resolver may be
// nil when the host carries its own AuthSpec.
func NewRemoteFileSession(pool *ConnectionPool, host Host, resolver CredentialResolver, opts SessionOptions) *RemoteFileSession {
	host = host.WithDefaults()
	opts = opts.WithDefaults()

	return &RemoteFileSession{
		host:     host,
		pool:     pool,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("host", host.ID)),
		cache:    newDirCache(opts.CacheTTL, opts.CacheMaxBytes),
	}
}

// HostID returns the stable identity of the session's host.
func (s *RemoteFileSession) HostID() string { return s.host.ID }

// State returns the session lifecycle state as a string.
func (s *RemoteFileSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Health returns the latest health snapshot, or a zero snapshot if the
// session has not connected yet.
func (s *RemoteFileSession) Health() ConnectionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == nil {
		return ConnectionHealth{HostID: s.host.ID}
	}
	return s.health.snapshot()
}

// Close releases the pooled connection and stops health monitoring.
func (s *RemoteFileSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	if s.health != nil {
		s.health.close()
		s.health = nil
	}
	if s.transport != nil {
		s.pool.Release(s.host.ID)
		s.transport = nil
	}
	s.cache.clear()
	s.state = stateClosed
	return nil
}

// ensureReady returns a live transport, connecting or reconnecting as
// needed. A session flagged by its health monitor is dropped here and a
// fresh transport is opened, so callers never see health failures directly.
func (s *RemoteFileSession) ensureReady(ctx context.Context) (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil, fmt.Errorf("session for %s is closed", s.host.ID)
	}

	if s.transport != nil {
		if !s.pool.Has(s.host.ID) {
			// The pool dropped the connection behind our back.
			s.teardownLocked(false)
		} else if s.health != nil && s.health.needsReconnect() {
			snap := s.health.snapshot()
			s.logger.Warn("dropping degraded connection",
				zap.Bool("healthy", snap.Healthy),
				zap.Duration("avg_latency", snap.AverageLatency),
				zap.String("last_error", snap.LastError))
			metricReconnects.Inc()
			s.teardownLocked(true)
		}
	}

	if s.transport == nil {
		s.state = stateConnecting
		var t *Transport
		err := withTimeout(ctx, s.opts.InitTimeout, TimeoutInit, "connect "+s.host.ID, func() error {
			var err error
			t, err = s.pool.Acquire(ctx, s.host, s.resolver)
			return err
		})
		if err != nil {
			s.state = stateUninitialized
			return nil, err
		}
		s.transport = t
		s.health = newHealthMonitor(s.host.ID, s.opts.HealthInterval, s.opts.HealthLatencyLimit,
			s.probeFunc(t), s.logger)
		s.health.start()
		s.state = stateReady
	}

	return s.transport, nil
}

// teardownLocked releases the current transport. When discard is true the
// pool entry is force-closed so the next acquire dials a new connection.
func (s *RemoteFileSession) teardownLocked(discard bool) {
	if s.health != nil {
		s.health.close()
		s.health = nil
	}
	if s.transport != nil {
		s.pool.Release(s.host.ID)
		if discard {
			s.pool.Discard(s.host.ID)
		}
		s.transport = nil
	}
	s.homeSet = false
	s.state = stateReconnecting
}

// dropTransport discards the current connection after a call left it in an
// unknown state (e.g. a stalled listing).
func (s *RemoteFileSession) dropTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return
	}
	s.logger.Warn("dropping connection after stalled operation")
	metricReconnects.Inc()
	s.teardownLocked(true)
}

func (s *RemoteFileSession) probeFunc(t *Transport) func(ctx context.Context) error {
	keepAlive := s.host.KeepAlive
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			if keepAlive {
				if err := t.keepAlive(); err != nil {
					errCh <- err
					return
				}
			}
			_, err := t.files.Getwd()
			errCh <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	}
}

// do wraps a remote call in the per-operation timeout and the retry policy.
// Timeouts drop the transport so the retry reconnects rather than reusing a
// channel in an unknown state.
func (s *RemoteFileSession) do(ctx context.Context, op string, fn func(t *Transport) error) error {
	return Retry(ctx, s.opts.Retry, s.logger, op, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}
		err = withTimeout(ctx, s.opts.OperationTimeout, TimeoutOperation, op, func() error {
			return fn(t)
		})
		var te *TimeoutError
		if errors.As(err, &te) {
			s.dropTransport()
		}
		return err
	})
}

// withTimeout runs fn under a deadline, surfacing a TimeoutError for the
// given phase when it expires. The call itself keeps running in the
// background; callers that care drop the transport afterwards.
func withTimeout(ctx context.Context, limit time.Duration, phase TimeoutPhase, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return &CancelledError{Op: op, Err: ctx.Err()}
	case <-timer.C:
		return &TimeoutError{Phase: phase, Op: op, Limit: limit}
	case err := <-done:
		return err
	}
}

// expandPath resolves a home-relative path (~ or ~/...) through the remote
// shell, with a short timeout. On failure it falls back to the transport's
// working directory rather than failing the operation.
func (s *RemoteFileSession) expandPath(ctx context.Context, p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return normalizePath(p), nil
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		// ~user form is passed through untouched.
		return p, nil
	}

	t, err := s.ensureReady(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	home, cached := s.homeDir, s.homeSet
	s.mu.Unlock()

	if !cached {
		err := withTimeout(ctx, s.opts.PathExpandTimeout, TimeoutPathExpand, "expand "+p, func() error {
			stdout, stderr, code, err := t.Exec(ctx, "echo ~")
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("home expansion failed: %s", strings.TrimSpace(stderr))
			}
			home = strings.TrimSpace(stdout)
			if home == "" {
				return fmt.Errorf("home expansion returned nothing")
			}
			return nil
		})
		if err != nil {
			s.logger.Debug("home expansion unavailable, using working directory", zap.Error(err))
			if wd, werr := t.files.Getwd(); werr == nil {
				home = wd
			} else {
				home = "."
			}
		}
		s.mu.Lock()
		s.homeDir, s.homeSet = home, true
		s.mu.Unlock()
	}

	if p == "~" {
		return home, nil
	}
	return path.Join(home, p[2:]), nil
}

// entryFromInfo builds a FileEntry, resolving symlink targets best-effort.
func (s *RemoteFileSession) entryFromInfo(t *Transport, dir string, info os.FileInfo, dirSentinel bool) FileEntry {
	full := path.Join(dir, info.Name())
	entry := FileEntry{
		Name:        info.Name(),
		Path:        full,
		Size:        info.Size(),
		Type:        EntryFile,
		ModTime:     info.ModTime(),
		Permissions: info.Mode().String(),
	}

	switch {
	case info.IsDir():
		entry.Type = EntryDir
		if dirSentinel {
			entry.Size = DirSizeUnknown
		}
	case info.Mode()&os.ModeSymlink != 0:
		entry.Type = EntrySymlink
		if target, err := t.files.ReadLink(full); err == nil {
			entry.LinkTarget = target
		} else {
			entry.LinkTarget = "(unresolved)"
		}
	}

	if st, ok := info.Sys().(*sftp.FileStat); ok {
		entry.Owner = strconv.FormatUint(uint64(st.UID), 10)
		entry.Group = strconv.FormatUint(uint64(st.GID), 10)
	}

	return entry
}

// List returns the directory listing, directories first then lexical by
// name. With useCache, fresh cached listings are served without a network
// fetch; the cache is refilled on every miss.
func (s *RemoteFileSession) List(ctx context.Context, dir string, useCache bool) ([]FileEntry, error) {
	p, err := s.expandPath(ctx, dir)
	if err != nil {
		return nil, err
	}
	key := normalizePath(p)

	if useCache {
		if listing, ok := s.cache.get(key); ok {
			return listing, nil
		}
	}

	var out []FileEntry
	err = s.do(ctx, "list "+p, func(t *Transport) error {
		infos, err := t.files.ReadDir(p)
		if err != nil {
			return classifyPathError(p, err)
		}
		out = make([]FileEntry, 0, len(infos))
		for _, info := range infos {
			out = append(out, s.entryFromInfo(t, p, info, true))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortEntries(out)
	s.cache.put(key, out)
	return out, nil
}

// Stat returns the entry for a single path. Unlike listings, directory
// entries carry their reported size rather than the unresolved sentinel.
func (s *RemoteFileSession) Stat(ctx context.Context, p string) (FileEntry, error) {
	p, err := s.expandPath(ctx, p)
	if err != nil {
		return FileEntry{}, err
	}

	var entry FileEntry
	err = s.do(ctx, "stat "+p, func(t *Transport) error {
		info, err := t.files.Lstat(p)
		if err != nil {
			return classifyPathError(p, err)
		}
		entry = s.entryFromInfo(t, parentPath(p), info, false)
		entry.Path = normalizePath(p)
		return nil
	})
	return entry, err
}

// Exists reports whether a remote path exists.
func (s *RemoteFileSession) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Stat(ctx, p)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadFile reads up to maxBytes of a remote file (everything if maxBytes
// is zero or negative).
func (s *RemoteFileSession) ReadFile(ctx context.Context, p string, maxBytes int64) ([]byte, error) {
	p, err := s.expandPath(ctx, p)
	if err != nil {
		return nil, err
	}

	var content []byte
	err = s.do(ctx, "read "+p, func(t *Transport) error {
		f, err := t.files.Open(p)
		if err != nil {
			return classifyPathError(p, err)
		}
		defer f.Close()

		var reader io.Reader = f
		if maxBytes > 0 {
			reader = io.LimitReader(f, maxBytes)
		}
		content, err = io.ReadAll(reader)
		return err
	})
	return content, err
}

// Get downloads a remote file to a local path. Downloads are resumable: data
// streams into localPath+".part", an existing smaller partial file resumes
// at its byte offset, and the final size (plus an optional checksum) is
// verified before the atomic rename. The partial file is preserved on
// failure or cancellation so a later call can resume.
func (s *RemoteFileSession) Get(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error {
	p, err := s.expandPath(ctx, remotePath)
	if err != nil {
		return err
	}

	return Retry(ctx, s.opts.Retry, s.logger, "download "+p, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}
		return s.downloadOnce(ctx, t, p, localPath, onProgress)
	})
}

func (s *RemoteFileSession) downloadOnce(ctx context.Context, t *Transport, remotePath, localPath string, onProgress ProgressFunc) error {
	info, err := t.files.Stat(remotePath)
	if err != nil {
		return classifyPathError(remotePath, err)
	}
	total := info.Size()

	part := localPath + ".part"
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		if fi.Size() < total {
			offset = fi.Size()
			s.logger.Info("resuming partial download",
				zap.String("path", remotePath),
				zap.Int64("offset", offset),
				zap.Int64("total", total))
		} else {
			// Stale partial from an older version of the file.
			os.Remove(part)
		}
	}

	rf, err := t.files.Open(remotePath)
	if err != nil {
		return classifyPathError(remotePath, err)
	}
	defer rf.Close()

	if offset > 0 {
		if _, err := rf.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to resume offset %d: %w", offset, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	lf, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}

	copied, copyErr := copyWithProgress(ctx, lf, rf, offset, total, onProgress)
	if err := lf.Close(); copyErr == nil {
		copyErr = err
	}
	metricTransferBytes.WithLabelValues("download").Add(float64(copied))
	if copyErr != nil {
		return copyErr
	}

	if written := offset + copied; written != total {
		return fmt.Errorf("download of %s incomplete: got %d of %d bytes", remotePath, written, total)
	}

	if s.opts.VerifyChecksums {
		want, err := s.checksumWith(ctx, t, remotePath, "sha256")
		if err != nil {
			s.logger.Debug("remote checksum unavailable, skipping verification", zap.Error(err))
		} else {
			got, err := hashLocalFile(part, "sha256")
			if err != nil {
				return err
			}
			if got != want {
				return &ChecksumMismatchError{Path: remotePath, Want: want, Got: got}
			}
		}
	}

	return os.Rename(part, localPath)
}

// Put uploads a local file to a remote path. Uploads are not resumable;
// transient failures re-send the whole file through the retry wrapper.
func (s *RemoteFileSession) Put(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error {
	p, err := s.expandPath(ctx, remotePath)
	if err != nil {
		return err
	}

	err = Retry(ctx, s.opts.Retry, s.logger, "upload "+p, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}
		return s.uploadOnce(ctx, t, localPath, p, onProgress)
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(p))
	return nil
}

func (s *RemoteFileSession) uploadOnce(ctx context.Context, t *Transport, localPath, remotePath string, onProgress ProgressFunc) error {
	lf, err := os.Open(localPath)
	if err != nil {
		return classifyPathError(localPath, err)
	}
	defer lf.Close()

	fi, err := lf.Stat()
	if err != nil {
		return err
	}
	total := fi.Size()

	if dir := parentPath(remotePath); dir != "" && dir != "/" && dir != "." {
		if err := t.files.MkdirAll(dir); err != nil {
			return classifyPathError(dir, err)
		}
	}

	rf, err := t.files.Create(remotePath)
	if err != nil {
		return classifyPathError(remotePath, err)
	}

	copied, copyErr := copyWithProgress(ctx, rf, lf, 0, total, onProgress)
	if err := rf.Close(); copyErr == nil {
		copyErr = err
	}
	metricTransferBytes.WithLabelValues("upload").Add(float64(copied))
	return copyErr
}

// Delete removes a remote file or directory. With recursive, the subtree is
// walked iteratively and removed children-first.
func (s *RemoteFileSession) Delete(ctx context.Context, p string, recursive bool) error {
	p, err := s.expandPath(ctx, p)
	if err != nil {
		return err
	}

	if !recursive {
		err = s.do(ctx, "delete "+p, func(t *Transport) error {
			info, err := t.files.Lstat(p)
			if err != nil {
				return classifyPathError(p, err)
			}
			if info.IsDir() {
				return classifyPathError(p, t.files.RemoveDirectory(p))
			}
			return classifyPathError(p, t.files.Remove(p))
		})
	} else {
		err = Retry(ctx, s.opts.Retry, s.logger, "delete -r "+p, func() error {
			t, err := s.ensureReady(ctx)
			if err != nil {
				return err
			}
			return s.deleteTree(ctx, t, p)
		})
	}
	if err != nil {
		return err
	}

	s.cache.invalidate(normalizePath(p))
	s.cache.invalidate(parentPath(p))
	return nil
}

func (s *RemoteFileSession) deleteTree(ctx context.Context, t *Transport, root string) error {
	info, err := t.files.Lstat(root)
	if err != nil {
		return classifyPathError(root, err)
	}
	if !info.IsDir() {
		return classifyPathError(root, t.files.Remove(root))
	}

	files, dirs, err := s.walkRemote(t, root, -1)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return &CancelledError{Op: "delete -r " + root, Err: err}
		}
		if err := t.files.Remove(f.Path); err != nil {
			return classifyPathError(f.Path, err)
		}
	}
	// Parents precede children in discovery order; remove deepest-first.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := t.files.RemoveDirectory(dirs[i]); err != nil {
			return classifyPathError(dirs[i], err)
		}
	}
	return nil
}

// walkRemote traverses a subtree with an explicit stack, bounding recursion
// depth on very deep trees. It returns file entries and directory paths in
// discovery order (parents before children). maxDepth < 0 means unlimited.
func (s *RemoteFileSession) walkRemote(t *Transport, root string, maxDepth int) ([]FileEntry, []string, error) {
	type frame struct {
		path  string
		depth int
	}

	var files []FileEntry
	dirs := []string{root}
	stack := []frame{{path: root, depth: 0}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos, err := t.files.ReadDir(top.path)
		if err != nil {
			return nil, nil, classifyPathError(top.path, err)
		}

		for _, info := range infos {
			full := path.Join(top.path, info.Name())
			if info.IsDir() {
				dirs = append(dirs, full)
				if maxDepth < 0 || top.depth+1 < maxDepth {
					stack = append(stack, frame{path: full, depth: top.depth + 1})
				}
				continue
			}
			files = append(files, s.entryFromInfo(t, top.path, info, true))
		}
	}

	return files, dirs, nil
}

// Mkdir creates a remote directory, including missing parents.
func (s *RemoteFileSession) Mkdir(ctx context.Context, p string) error {
	p, err := s.expandPath(ctx, p)
	if err != nil {
		return err
	}

	err = s.do(ctx, "mkdir "+p, func(t *Transport) error {
		return classifyPathError(p, t.files.MkdirAll(p))
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(p))
	return nil
}

// Rename moves a remote node within the same host.
func (s *RemoteFileSession) Rename(ctx context.Context, oldPath, newPath string) error {
	op, err := s.expandPath(ctx, oldPath)
	if err != nil {
		return err
	}
	np, err := s.expandPath(ctx, newPath)
	if err != nil {
		return err
	}

	err = s.do(ctx, "rename "+op, func(t *Transport) error {
		return classifyPathError(op, t.files.Rename(op, np))
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(op))
	s.cache.invalidate(parentPath(np))
	return nil
}

// Chmod sets permissions on a single remote node.
func (s *RemoteFileSession) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	p, err := s.expandPath(ctx, p)
	if err != nil {
		return err
	}

	err = s.do(ctx, "chmod "+p, func(t *Transport) error {
		return classifyPathError(p, t.files.Chmod(p, mode))
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(p))
	return nil
}

// ChmodRecursive applies mode to every node under root, discovering the
// subtree first and then reporting progress every few items. maxDepth < 0
// means unlimited.
func (s *RemoteFileSession) ChmodRecursive(ctx context.Context, root string, mode os.FileMode, maxDepth int, onItem func(done, total int)) error {
	p, err := s.expandPath(ctx, root)
	if err != nil {
		return err
	}

	err = Retry(ctx, s.opts.Retry, s.logger, "chmod -R "+p, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}

		files, dirs, err := s.walkRemote(t, p, maxDepth)
		if err != nil {
			return err
		}

		targets := make([]string, 0, len(dirs)+len(files))
		targets = append(targets, dirs...)
		for _, f := range files {
			targets = append(targets, f.Path)
		}

		for i, target := range targets {
			if err := ctx.Err(); err != nil {
				return &CancelledError{Op: "chmod -R " + p, Err: err}
			}
			if err := t.files.Chmod(target, mode); err != nil {
				return classifyPathError(target, err)
			}
			if onItem != nil && ((i+1)%recursiveProgressEvery == 0 || i+1 == len(targets)) {
				onItem(i+1, len(targets))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(normalizePath(p))
	s.cache.invalidate(parentPath(p))
	return nil
}

// DirectorySize sums the file sizes under root. maxDepth < 0 means
// unlimited.
func (s *RemoteFileSession) DirectorySize(ctx context.Context, root string, maxDepth int) (int64, error) {
	p, err := s.expandPath(ctx, root)
	if err != nil {
		return 0, err
	}

	var total int64
	err = Retry(ctx, s.opts.Retry, s.logger, "dirsize "+p, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}
		files, _, err := s.walkRemote(t, p, maxDepth)
		if err != nil {
			return err
		}
		total = 0
		for _, f := range files {
			if f.Size > 0 {
				total += f.Size
			}
		}
		return nil
	})
	return total, err
}

// Copy duplicates a remote node, preferring a server-side bulk copy and
// falling back transparently to a streamed copy through the file channel.
func (s *RemoteFileSession) Copy(ctx context.Context, src, dst string) error {
	sp, err := s.expandPath(ctx, src)
	if err != nil {
		return err
	}
	dp, err := s.expandPath(ctx, dst)
	if err != nil {
		return err
	}

	err = Retry(ctx, s.opts.Retry, s.logger, "copy "+sp, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}

		_, stderr, code, execErr := t.Exec(ctx, fmt.Sprintf("cp -r %s %s", shellQuote(sp), shellQuote(dp)))
		if execErr == nil && code == 0 {
			return nil
		}
		s.logger.Debug("server-side copy unavailable, streaming",
			zap.String("stderr", strings.TrimSpace(stderr)), zap.Error(execErr))

		return s.streamCopy(ctx, t, sp, dp)
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(dp))
	return nil
}

// streamCopy copies src to dst through the file channel, walking
// subdirectories iteratively.
func (s *RemoteFileSession) streamCopy(ctx context.Context, t *Transport, src, dst string) error {
	info, err := t.files.Stat(src)
	if err != nil {
		return classifyPathError(src, err)
	}

	if !info.IsDir() {
		return s.copyRemoteFile(t, src, dst)
	}

	type pair struct{ src, dst string }
	stack := []pair{{src: src, dst: dst}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			return &CancelledError{Op: "copy " + src, Err: err}
		}
		if err := t.files.MkdirAll(top.dst); err != nil {
			return classifyPathError(top.dst, err)
		}

		infos, err := t.files.ReadDir(top.src)
		if err != nil {
			return classifyPathError(top.src, err)
		}
		for _, info := range infos {
			childSrc := path.Join(top.src, info.Name())
			childDst := path.Join(top.dst, info.Name())
			if info.IsDir() {
				stack = append(stack, pair{src: childSrc, dst: childDst})
				continue
			}
			if err := s.copyRemoteFile(t, childSrc, childDst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RemoteFileSession) copyRemoteFile(t *Transport, src, dst string) error {
	rf, err := t.files.Open(src)
	if err != nil {
		return classifyPathError(src, err)
	}
	defer rf.Close()

	wf, err := t.files.Create(dst)
	if err != nil {
		return classifyPathError(dst, err)
	}

	_, copyErr := io.Copy(wf, rf)
	if err := wf.Close(); copyErr == nil {
		copyErr = err
	}
	return copyErr
}

// Move renames a remote node, falling back to a server-side mv and finally
// to copy-and-delete when the rename crosses filesystems.
func (s *RemoteFileSession) Move(ctx context.Context, src, dst string) error {
	sp, err := s.expandPath(ctx, src)
	if err != nil {
		return err
	}
	dp, err := s.expandPath(ctx, dst)
	if err != nil {
		return err
	}

	err = Retry(ctx, s.opts.Retry, s.logger, "move "+sp, func() error {
		t, err := s.ensureReady(ctx)
		if err != nil {
			return err
		}

		if err := t.files.Rename(sp, dp); err == nil {
			return nil
		}

		_, _, code, execErr := t.Exec(ctx, fmt.Sprintf("mv %s %s", shellQuote(sp), shellQuote(dp)))
		if execErr == nil && code == 0 {
			return nil
		}

		if err := s.streamCopy(ctx, t, sp, dp); err != nil {
			return err
		}
		return s.deleteTree(ctx, t, sp)
	})
	if err != nil {
		return err
	}

	s.cache.invalidate(parentPath(sp))
	s.cache.invalidate(parentPath(dp))
	return nil
}

// checksumCommands maps algorithm names to the remote commands computing
// them. Checksums run as commands because the file protocol has no digest
// primitive.
var checksumCommands = map[string]string{
	"sha256": "sha256sum",
	"sha1":   "sha1sum",
	"md5":    "md5sum",
}

// Checksum computes the hex digest of a remote file via a remote command.
func (s *RemoteFileSession) Checksum(ctx context.Context, p, algorithm string) (string, error) {
	if _, ok := checksumCommands[algorithm]; !ok {
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	p, err := s.expandPath(ctx, p)
	if err != nil {
		return "", err
	}

	var digest string
	err = s.do(ctx, "checksum "+p, func(t *Transport) error {
		var err error
		digest, err = s.checksumWith(ctx, t, p, algorithm)
		return err
	})
	return digest, err
}

func (s *RemoteFileSession) checksumWith(ctx context.Context, t *Transport, p, algorithm string) (string, error) {
	command := checksumCommands[algorithm]

	stdout, stderr, code, err := t.Exec(ctx, fmt.Sprintf("%s %s", command, shellQuote(p)))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", classifyPathError(p, fmt.Errorf("%s failed: %s", command, strings.TrimSpace(stderr)))
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("%s produced no output for %s", command, p)
	}
	digest := strings.ToLower(fields[0])
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%s produced a malformed digest for %s: %q", command, p, fields[0])
	}
	return digest, nil
}

// hashLocalFile computes the hex digest of a local file.
func hashLocalFile(p, algorithm string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h hash.Hash
	switch algorithm {
	case "sha256":
		h = sha256.New()
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyWithProgress streams src into dst in chunks, checking for
// cancellation between chunks and reporting progress at most once per
// chunk. already counts bytes completed by an earlier attempt so resumed
// downloads report overall completion.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, already, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, transferChunkSize)
	var copied int64
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return copied, &CancelledError{Op: "transfer", Err: err}
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			if writeErr != nil {
				return copied, writeErr
			}
			if written != n {
				return copied, io.ErrShortWrite
			}
			copied += int64(n)

			if onProgress != nil {
				rate := 0.0
				if elapsed := time.Since(start).Seconds(); elapsed > 0 {
					rate = float64(copied) / elapsed
				}
				percent := 100.0
				if total > 0 {
					percent = float64(already+copied) / float64(total) * 100
				}
				onProgress(percent, speedLabel(rate))
			}
		}

		if readErr == io.EOF {
			return copied, nil
		}
		if readErr != nil {
			return copied, readErr
		}
	}
}
