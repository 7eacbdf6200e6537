package remotefs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testWaitTimeout bounds polling in asynchronous assertions.
const testWaitTimeout = 2 * time.Second

// fakeFileInfo implements os.FileInfo for test listings.
type fakeFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeFileInfo) Sys() any           { return nil }

// memConn is an in-memory sftpConn. Paths are absolute, forward-slash.
type memConn struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	mtimes map[string]time.Time
	modes  map[string]os.FileMode
	links  map[string]string

	// errs injects a failure for an "op path" key, e.g. "readdir /data".
	errs map[string]error

	// openCount tracks how many times Open was called, for resume tests.
	openCount int
}

func newMemConn() *memConn {
	return &memConn{
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
		mtimes: make(map[string]time.Time),
		modes:  make(map[string]os.FileMode),
		links:  make(map[string]string),
		errs:   make(map[string]error),
	}
}

func (c *memConn) addFile(p string, content []byte, modTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[p] = content
	c.mtimes[p] = modTime
	c.addDirLocked(path.Dir(p))
}

func (c *memConn) addDir(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addDirLocked(p)
}

func (c *memConn) addDirLocked(p string) {
	for p != "/" && p != "." && p != "" {
		c.dirs[p] = true
		p = path.Dir(p)
	}
}

func (c *memConn) failWith(op, p string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[op+" "+p] = err
}

func (c *memConn) injected(op, p string) error {
	return c.errs[op+" "+p]
}

func (c *memConn) infoFor(p string) (os.FileInfo, bool) {
	name := path.Base(p)
	if c.dirs[p] {
		return fakeFileInfo{name: name, mode: os.ModeDir | 0o755, modTime: c.mtimes[p]}, true
	}
	if content, ok := c.files[p]; ok {
		mode := c.modes[p]
		if mode == 0 {
			mode = 0o644
		}
		return fakeFileInfo{name: name, size: int64(len(content)), mode: mode, modTime: c.mtimes[p]}, true
	}
	if _, ok := c.links[p]; ok {
		return fakeFileInfo{name: name, mode: os.ModeSymlink | 0o777, modTime: c.mtimes[p]}, true
	}
	return nil, false
}

func (c *memConn) ReadDir(p string) ([]os.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("readdir", p); err != nil {
		return nil, err
	}
	if !c.dirs[p] {
		return nil, os.ErrNotExist
	}

	seen := map[string]bool{}
	var infos []os.FileInfo
	collect := func(full string) {
		if path.Dir(full) != p || seen[full] {
			return
		}
		seen[full] = true
		if info, ok := c.infoFor(full); ok {
			infos = append(infos, info)
		}
	}
	for f := range c.files {
		collect(f)
	}
	for d := range c.dirs {
		if d != p {
			collect(d)
		}
	}
	for l := range c.links {
		collect(l)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (c *memConn) Stat(p string) (os.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("stat", p); err != nil {
		return nil, err
	}
	if info, ok := c.infoFor(p); ok {
		return info, nil
	}
	return nil, os.ErrNotExist
}

func (c *memConn) Lstat(p string) (os.FileInfo, error) { return c.Stat(p) }

func (c *memConn) ReadLink(p string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target, ok := c.links[p]; ok {
		return target, nil
	}
	return "", os.ErrNotExist
}

func (c *memConn) Open(p string) (sftpFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.openCount++
	if err := c.injected("open", p); err != nil {
		return nil, err
	}
	content, ok := c.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memFile{reader: bytes.NewReader(content)}, nil
}

func (c *memConn) Create(p string) (sftpFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("create", p); err != nil {
		return nil, err
	}
	return &memFile{buf: &bytes.Buffer{}, conn: c, path: p}, nil
}

func (c *memConn) Remove(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("remove", p); err != nil {
		return err
	}
	if _, ok := c.files[p]; !ok {
		if _, ok := c.links[p]; !ok {
			return os.ErrNotExist
		}
	}
	delete(c.files, p)
	delete(c.links, p)
	return nil
}

func (c *memConn) RemoveDirectory(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirs[p] {
		return os.ErrNotExist
	}
	for f := range c.files {
		if path.Dir(f) == p {
			return fmt.Errorf("directory not empty: %s", p)
		}
	}
	for d := range c.dirs {
		if path.Dir(d) == p && d != p {
			return fmt.Errorf("directory not empty: %s", p)
		}
	}
	delete(c.dirs, p)
	return nil
}

func (c *memConn) MkdirAll(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("mkdir", p); err != nil {
		return err
	}
	c.addDirLocked(p)
	return nil
}

func (c *memConn) Rename(oldname, newname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("rename", oldname); err != nil {
		return err
	}
	if content, ok := c.files[oldname]; ok {
		c.files[newname] = content
		c.mtimes[newname] = c.mtimes[oldname]
		delete(c.files, oldname)
		delete(c.mtimes, oldname)
		return nil
	}
	if c.dirs[oldname] {
		delete(c.dirs, oldname)
		c.addDirLocked(newname)
		return nil
	}
	return os.ErrNotExist
}

func (c *memConn) Chmod(p string, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("chmod", p); err != nil {
		return err
	}
	if _, ok := c.files[p]; !ok && !c.dirs[p] {
		return os.ErrNotExist
	}
	c.modes[p] = mode
	return nil
}

func (c *memConn) Getwd() (string, error) { return "/home/tester", nil }
func (c *memConn) Close() error           { return nil }

// memFile is the handle type returned by memConn. Reads come from reader,
// writes accumulate in buf and land in the conn on Close.
type memFile struct {
	reader *bytes.Reader
	buf    *bytes.Buffer
	conn   *memConn
	path   string
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, fmt.Errorf("file not open for reading")
	}
	return f.reader.Read(p)
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.buf == nil {
		return 0, fmt.Errorf("file not open for writing")
	}
	return f.buf.Write(p)
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if f.reader == nil {
		return 0, fmt.Errorf("file not open for seeking")
	}
	return f.reader.Seek(offset, whence)
}

func (f *memFile) Close() error {
	if f.buf != nil && f.conn != nil {
		f.conn.mu.Lock()
		f.conn.files[f.path] = f.buf.Bytes()
		f.conn.mtimes[f.path] = time.Now()
		f.conn.addDirLocked(path.Dir(f.path))
		f.conn.mu.Unlock()
	}
	return nil
}

// execResult is one canned command outcome for scriptRunner.
type execResult struct {
	stdout string
	stderr string
	code   int
	err    error
}

// scriptRunner replays canned results keyed by exact command line.
type scriptRunner struct {
	mu        sync.Mutex
	responses map[string]execResult
	calls     []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{responses: make(map[string]execResult)}
}

func (r *scriptRunner) respond(command string, res execResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[command] = res
}

func (r *scriptRunner) Run(_ context.Context, command string) (string, string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, command)
	if res, ok := r.responses[command]; ok {
		return res.stdout, res.stderr, res.code, res.err
	}
	return "", "command not found", 127, nil
}

// newTestTransport builds a Transport over in-memory fakes. wait() blocks on
// the done channel, so pool watch goroutines behave as with a live link.
func newTestTransport(host Host, conn sftpConn, runner commandRunner) *Transport {
	return &Transport{
		host:   host.WithDefaults(),
		files:  conn,
		runner: runner,
		done:   make(chan struct{}),
	}
}

// testHost is the host descriptor used across unit tests.
func testHost() Host {
	return Host{Addr: "files.example.com", User: "tester", Auth: PasswordAuth{Password: "secret"}}
}

// newTestPool returns a pool whose dialer hands out transports over the
// given fakes, plus a counter of dial calls.
func newTestPool(conn sftpConn, runner commandRunner) (*ConnectionPool, *int) {
	pool := NewConnectionPool(PoolOptions{Logger: zap.NewNop()})
	dials := new(int)
	var mu sync.Mutex
	pool.dial = func(_ context.Context, host Host, _ AuthSpec, _ SecretStore, _ *zap.Logger) (*Transport, error) {
		mu.Lock()
		*dials++
		mu.Unlock()
		return newTestTransport(host, conn, runner), nil
	}
	return pool, dials
}

// newTestSession wires a session to in-memory fakes with retries and health
// probing effectively disabled.
func newTestSession(t *testing.T, conn sftpConn, runner commandRunner) *RemoteFileSession {
	t.Helper()

	pool, _ := newTestPool(conn, runner)
	sess := NewRemoteFileSession(pool, testHost(), nil, SessionOptions{
		Retry:          NoRetryConfig(),
		HealthInterval: time.Hour,
	})
	t.Cleanup(func() { sess.Close() })
	return sess
}

// drainIn reads from a channel until it would block, for event assertions.
func drainIn(ch <-chan TransferJob) []TransferJob {
	var out []TransferJob
	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, job)
		default:
			return out
		}
	}
}

// waitUntil polls cond for up to timeout.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

var _ io.Closer = (*memFile)(nil)
