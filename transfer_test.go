package remotefs

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransfer is a Transferer that records start order and concurrency.
// With block set, calls park until release yields or the context ends.
// remoteSize is what Stat reports for every remote path.
type fakeTransfer struct {
	mu            sync.Mutex
	starts        []string
	concurrent    int
	maxConcurrent int

	block      bool
	release    chan struct{}
	err        error
	remoteSize int64
}

func newFakeTransfer(block bool) *fakeTransfer {
	return &fakeTransfer{block: block, release: make(chan struct{}, 64)}
}

func (f *fakeTransfer) run(ctx context.Context, key string, onProgress ProgressFunc) error {
	f.mu.Lock()
	f.starts = append(f.starts, key)
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	if onProgress != nil {
		onProgress(50, "1.0 MB/s")
	}

	if f.block {
		select {
		case <-ctx.Done():
			return &CancelledError{Op: "transfer " + key, Err: ctx.Err()}
		case <-f.release:
		}
	}
	return f.err
}

func (f *fakeTransfer) Stat(_ context.Context, remotePath string) (FileEntry, error) {
	return FileEntry{Name: path.Base(remotePath), Path: remotePath, Size: f.remoteSize, Type: EntryFile}, nil
}

func (f *fakeTransfer) Get(ctx context.Context, remotePath, _ string, onProgress ProgressFunc) error {
	return f.run(ctx, remotePath, onProgress)
}

func (f *fakeTransfer) Put(ctx context.Context, _, remotePath string, onProgress ProgressFunc) error {
	return f.run(ctx, remotePath, onProgress)
}

func (f *fakeTransfer) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTransfer) releaseAll() {
	close(f.release)
}

func fastCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{Tick: 5 * time.Millisecond}
}

func providerFor(fake *fakeTransfer) SessionProvider {
	return func(string) (Transferer, error) { return fake, nil }
}

func enqueueDownloads(t *testing.T, c *TransferCoordinator, host string, paths []string, priority int) []TransferJob {
	t.Helper()

	jobs := make([]TransferJob, 0, len(paths))
	for _, p := range paths {
		job, err := c.Enqueue(TransferDownload, host, "/tmp/"+p, p, priority)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func TestCoordinatorHonoursPerHostLimit(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 5
	opts.PerHostLimit = 3
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	jobs := enqueueDownloads(t, c, "host-a", []string{"/a", "/b", "/c", "/d", "/e", "/f"}, 0)

	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 3 },
		"three jobs should start")
	time.Sleep(30 * time.Millisecond) // a few more ticks must not admit a fourth
	assert.Equal(t, 3, fake.startedCount())
	assert.Equal(t, 3, c.Summary().Active)

	fake.releaseAll()
	for _, job := range jobs {
		final, err := c.Wait(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.LessOrEqual(t, fake.maxConcurrent, 3, "per-host cap must never be exceeded")
}

func TestCoordinatorHonoursGlobalLimit(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 4
	opts.PerHostLimit = 3
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	jobsA := enqueueDownloads(t, c, "host-a", []string{"/a1", "/a2", "/a3"}, 0)
	jobsB := enqueueDownloads(t, c, "host-b", []string{"/b1", "/b2", "/b3"}, 0)

	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 4 },
		"global limit of jobs should start")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, fake.startedCount())

	fake.releaseAll()
	for _, job := range append(jobsA, jobsB...) {
		final, err := c.Wait(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.LessOrEqual(t, fake.maxConcurrent, 4)
}

func TestCoordinatorCappedHostDoesNotBlockOthers(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 5
	opts.PerHostLimit = 1
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	// host-a saturates its cap with higher priority jobs; host-b must still run.
	enqueueDownloads(t, c, "host-a", []string{"/a1", "/a2", "/a3"}, 10)
	jobsB := enqueueDownloads(t, c, "host-b", []string{"/b1"}, 0)

	waitUntil(t, testWaitTimeout, func() bool {
		job, _ := c.Job(jobsB[0].ID)
		return job.Status == StatusActive
	}, "the other host's job should be admitted despite queued higher-priority work")

	fake.releaseAll()
}

func TestCoordinatorAdmitsByPriorityThenFIFO(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 1
	opts.PerHostLimit = 1
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	blocker := enqueueDownloads(t, c, "host-a", []string{"/blocker"}, 0)
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "blocker should start")

	// Queued while the single slot is busy; admission order is decided by
	// priority, then enqueue order.
	low := enqueueDownloads(t, c, "host-a", []string{"/low"}, 1)
	highA := enqueueDownloads(t, c, "host-a", []string{"/high-a"}, 5)
	highB := enqueueDownloads(t, c, "host-a", []string{"/high-b"}, 5)
	mid := enqueueDownloads(t, c, "host-a", []string{"/mid"}, 3)

	fake.releaseAll()
	all := append(append(append(append(blocker, low...), highA...), highB...), mid...)
	for _, job := range all {
		_, err := c.Wait(context.Background(), job.ID)
		require.NoError(t, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"/blocker", "/high-a", "/high-b", "/mid", "/low"}, fake.starts)
}

func TestCoordinatorPauseAndResume(t *testing.T) {
	fake := newFakeTransfer(true)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/big.iso"}, 0)[0]
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "job should start")

	require.NoError(t, c.Pause(job.ID))
	waitUntil(t, testWaitTimeout, func() bool {
		j, _ := c.Job(job.ID)
		return j.Status == StatusPaused
	}, "job should report paused after the interrupt lands")

	summary := c.Summary()
	assert.Equal(t, 0, summary.Active)
	assert.Equal(t, 1, summary.Pending, "a paused job stays queued, not completed")

	require.NoError(t, c.Resume(job.ID))
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 2 }, "job should restart")

	fake.releaseAll()
	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestCoordinatorPauseQueuedJob(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 1
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	blocker := enqueueDownloads(t, c, "host-a", []string{"/blocker"}, 0)[0]
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "blocker should start")

	queued := enqueueDownloads(t, c, "host-a", []string{"/parked"}, 0)[0]
	require.NoError(t, c.Pause(queued.ID))

	fake.releaseAll()
	_, err := c.Wait(context.Background(), blocker.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	j, _ := c.Job(queued.ID)
	assert.Equal(t, StatusPaused, j.Status, "paused queued jobs must not be admitted")

	require.NoError(t, c.Resume(queued.ID))
	final, err := c.Wait(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestCoordinatorCancelActiveJob(t *testing.T) {
	fake := newFakeTransfer(true)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/doomed"}, 0)[0]
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "job should start")

	require.NoError(t, c.Cancel(job.ID))
	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestCoordinatorCancelQueuedJob(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 1
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	enqueueDownloads(t, c, "host-a", []string{"/blocker"}, 0)
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "blocker should start")

	queued := enqueueDownloads(t, c, "host-a", []string{"/never"}, 0)[0]
	require.NoError(t, c.Cancel(queued.ID))

	final, err := c.Wait(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, 1, fake.startedCount(), "a cancelled queued job must never start")

	fake.releaseAll()
}

func TestCoordinatorFailedJobKeepsError(t *testing.T) {
	fake := newFakeTransfer(false)
	fake.err = errors.New("remote disk full")
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/f"}, 0)[0]
	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "remote disk full")
}

func TestCoordinatorProviderFailureFailsJob(t *testing.T) {
	c := NewTransferCoordinator(func(string) (Transferer, error) {
		return nil, errors.New("no session for host")
	}, fastCoordinatorOptions())
	defer c.Close()

	job, err := c.Enqueue(TransferDownload, "host-a", "/tmp/x", "/x", 0)
	require.NoError(t, err)

	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "no session for host")
}

func TestCoordinatorEnqueueValidation(t *testing.T) {
	c := NewTransferCoordinator(providerFor(newFakeTransfer(false)), fastCoordinatorOptions())
	defer c.Close()

	_, err := c.Enqueue(TransferKind("sideways"), "host-a", "/tmp/x", "/x", 0)
	assert.Error(t, err)

	_, err = c.Enqueue(TransferUpload, "host-a", "/definitely/not/here.bin", "/x", 0)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf, "uploads stat the local file up front")
}

func TestCoordinatorCloseDuringPauseInterrupt(t *testing.T) {
	fake := newFakeTransfer(true)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())

	job := enqueueDownloads(t, c, "host-a", []string{"/racy"}, 0)[0]
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "job should start")

	// Pause interrupts the active job; Close lands while the interrupt is
	// still in flight. Shutdown must finalize the job, not re-queue it.
	require.NoError(t, c.Pause(job.ID))

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(testWaitTimeout):
		t.Fatal("Close did not return while a pause interrupt was in flight")
	}

	final, ok := c.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestCoordinatorDownloadTracksBytes(t *testing.T) {
	fake := newFakeTransfer(true)
	fake.remoteSize = 4096
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/data/big.bin"}, 0)[0]
	assert.Zero(t, job.TotalBytes, "the size is unknown until the job starts")

	waitUntil(t, testWaitTimeout, func() bool {
		j, _ := c.Job(job.ID)
		return j.Status == StatusActive && j.BytesTransferred > 0
	}, "an active download should report transferred bytes")

	j, _ := c.Job(job.ID)
	assert.Equal(t, int64(4096), j.TotalBytes)
	assert.Equal(t, int64(2048), j.BytesTransferred)
	assert.NotEqual(t, "0 B/s", c.Summary().Throughput,
		"active downloads count toward aggregate throughput")

	fake.releaseAll()
	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(4096), final.BytesTransferred)
}

func TestCoordinatorUploadTracksBytes(t *testing.T) {
	local := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(local, make([]byte, 2048), 0o644))

	fake := newFakeTransfer(false)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job, err := c.Enqueue(TransferUpload, "host-a", local, "/remote/payload.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), job.TotalBytes)

	final, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, float64(100), final.Progress)
}

func TestCoordinatorEventsCarryLifecycle(t *testing.T) {
	fake := newFakeTransfer(false)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())

	job := enqueueDownloads(t, c, "host-a", []string{"/evt"}, 0)[0]
	_, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	c.Close()

	statuses := map[TransferStatus]bool{}
	for _, evt := range drainIn(c.Events()) {
		if evt.ID == job.ID {
			statuses[evt.Status] = true
		}
	}
	assert.True(t, statuses[StatusQueued])
	assert.True(t, statuses[StatusActive])
	assert.True(t, statuses[StatusCompleted])
}

func TestCoordinatorOnUpdateCallback(t *testing.T) {
	fake := newFakeTransfer(false)

	var mu sync.Mutex
	var seen []TransferStatus
	opts := fastCoordinatorOptions()
	opts.OnUpdate = func(job TransferJob, _ QueueSummary) {
		mu.Lock()
		seen = append(seen, job.Status)
		mu.Unlock()
	}
	c := NewTransferCoordinator(providerFor(fake), opts)
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/cb"}, 0)[0]
	_, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)

	waitUntil(t, testWaitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == StatusCompleted {
				return true
			}
		}
		return false
	}, "OnUpdate should observe the terminal state")
}

func TestCoordinatorClearCompleted(t *testing.T) {
	fake := newFakeTransfer(false)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/done"}, 0)[0]
	_, err := c.Wait(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, c.ClearCompleted())
	_, ok := c.Job(job.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Summary().Completed)
}

func TestCoordinatorWaitHonoursContext(t *testing.T) {
	fake := newFakeTransfer(true)
	c := NewTransferCoordinator(providerFor(fake), fastCoordinatorOptions())
	defer c.Close()

	job := enqueueDownloads(t, c, "host-a", []string{"/slow"}, 0)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, job.ID)

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	fake.releaseAll()
}

func TestCoordinatorCloseCancelsEverything(t *testing.T) {
	fake := newFakeTransfer(true)
	opts := fastCoordinatorOptions()
	opts.GlobalLimit = 1
	c := NewTransferCoordinator(providerFor(fake), opts)

	active := enqueueDownloads(t, c, "host-a", []string{"/active"}, 0)[0]
	waitUntil(t, testWaitTimeout, func() bool { return fake.startedCount() == 1 }, "job should start")
	queued := enqueueDownloads(t, c, "host-a", []string{"/queued"}, 0)[0]

	c.Close()

	a, _ := c.Job(active.ID)
	q, _ := c.Job(queued.ID)
	assert.Equal(t, StatusCancelled, a.Status)
	assert.Equal(t, StatusCancelled, q.Status)

	_, err := c.Enqueue(TransferDownload, "host-a", "/tmp/x", "/x", 0)
	assert.Error(t, err, "a closed coordinator must refuse new jobs")
}
