package remotefs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferKind distinguishes the direction of a transfer job.
type TransferKind string

const (
	// TransferDownload copies a remote file to the local filesystem.
	TransferDownload TransferKind = "download"
	// TransferUpload copies a local file to the remote filesystem.
	TransferUpload TransferKind = "upload"
)

// TransferStatus is the lifecycle state of a transfer job.
type TransferStatus string

const (
	// StatusQueued means the job is waiting for a slot.
	StatusQueued TransferStatus = "queued"
	// StatusActive means the job is transferring.
	StatusActive TransferStatus = "active"
	// StatusPaused means the job was interrupted and waits for Resume.
	StatusPaused TransferStatus = "paused"
	// StatusCompleted means the job finished successfully.
	StatusCompleted TransferStatus = "completed"
	// StatusFailed means the job gave up with an error.
	StatusFailed TransferStatus = "failed"
	// StatusCancelled means the caller aborted the job.
	StatusCancelled TransferStatus = "cancelled"
)

func (s TransferStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TransferJob is the externally visible snapshot of one transfer.
type TransferJob struct {
	ID               string
	Kind             TransferKind
	HostID           string
	LocalPath        string
	RemotePath       string
	TotalBytes       int64
	BytesTransferred int64
	Progress         float64
	Speed            string
	Priority         int
	Status           TransferStatus
	Error            string
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
}

// QueueSummary is an aggregate view of the coordinator's queues.
type QueueSummary struct {
	Active     int
	Pending    int
	Completed  int
	Throughput string
}

// Transferer is the transfer surface a coordinator drives. RemoteFileSession
// satisfies it. Stat supplies the remote size for download jobs so progress
// can be reported in bytes.
type Transferer interface {
	Stat(ctx context.Context, remotePath string) (FileEntry, error)
	Get(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error
	Put(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error
}

// SessionProvider returns the transfer surface for a host. The coordinator
// calls it once per job start, so providers typically hand out long-lived
// sessions.
type SessionProvider func(hostID string) (Transferer, error)

// trackedJob is the coordinator's internal handle for one job. All fields
// are guarded by the coordinator mutex except done, which is closed exactly
// once when the job reaches a terminal state.
type trackedJob struct {
	job       TransferJob
	seq       uint64
	cancel    context.CancelFunc
	pausing   bool
	cancelled bool
	rate      float64
	done      chan struct{}
}

// jobHeap orders pending jobs by priority (higher first), then by enqueue
// order within a priority.
type jobHeap []*trackedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*trackedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TransferCoordinator schedules queued transfers against global and per-host
// concurrency caps. Jobs are admitted highest priority first, FIFO within a
// priority; a host at its cap never blocks admissions for other hosts. Every
// job lives in exactly one of the pending queue, the active set, or the
// completed set.
type TransferCoordinator struct {
	provider SessionProvider
	opts     CoordinatorOptions
	logger   *zap.Logger

	mu         sync.Mutex
	pending    jobHeap
	active     map[string]*trackedJob
	completed  map[string]*trackedJob
	byID       map[string]*trackedJob
	hostActive map[string]int
	seq        uint64
	closed     bool

	events chan TransferJob

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTransferCoordinator starts a coordinator and its scheduler loop.
func NewTransferCoordinator(provider SessionProvider, opts CoordinatorOptions) *TransferCoordinator {
	opts = opts.WithDefaults()

	c := &TransferCoordinator{
		provider:   provider,
		opts:       opts,
		logger:     opts.Logger,
		active:     make(map[string]*trackedJob),
		completed:  make(map[string]*trackedJob),
		byID:       make(map[string]*trackedJob),
		hostActive: make(map[string]int),
		events:     make(chan TransferJob, opts.EventBuffer),
		stop:       make(chan struct{}),
	}
	go c.schedule()
	return c
}

// Enqueue adds a transfer job and returns its initial snapshot. Higher
// priority values are admitted first. Uploads stat the local file up front
// so progress can be reported in bytes; downloads learn their size from the
// remote side when the job starts.
func (c *TransferCoordinator) Enqueue(kind TransferKind, hostID, localPath, remotePath string, priority int) (TransferJob, error) {
	if kind != TransferDownload && kind != TransferUpload {
		return TransferJob{}, fmt.Errorf("unknown transfer kind %q", kind)
	}

	var total int64
	if kind == TransferUpload {
		fi, err := os.Stat(localPath)
		if err != nil {
			return TransferJob{}, classifyPathError(localPath, err)
		}
		total = fi.Size()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return TransferJob{}, errors.New("transfer coordinator is closed")
	}

	c.seq++
	tj := &trackedJob{
		job: TransferJob{
			ID:         uuid.NewString(),
			Kind:       kind,
			HostID:     hostID,
			LocalPath:  localPath,
			RemotePath: remotePath,
			TotalBytes: total,
			Priority:   priority,
			Status:     StatusQueued,
			CreatedAt:  time.Now(),
		},
		seq:  c.seq,
		done: make(chan struct{}),
	}

	heap.Push(&c.pending, tj)
	c.byID[tj.job.ID] = tj
	c.publishLocked(tj)

	c.logger.Debug("transfer queued",
		zap.String("id", tj.job.ID),
		zap.String("kind", string(kind)),
		zap.String("host", hostID),
		zap.Int("priority", priority))

	return tj.job, nil
}

// Job returns the snapshot for an ID.
func (c *TransferCoordinator) Job(id string) (TransferJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tj, ok := c.byID[id]
	if !ok {
		return TransferJob{}, false
	}
	return tj.job, true
}

// Jobs returns snapshots of every known job.
func (c *TransferCoordinator) Jobs() []TransferJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TransferJob, 0, len(c.byID))
	for _, tj := range c.byID {
		out = append(out, tj.job)
	}
	return out
}

// Summary returns queue counts and the aggregate throughput of active jobs.
func (c *TransferCoordinator) Summary() QueueSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *TransferCoordinator) summaryLocked() QueueSummary {
	var rate float64
	for _, tj := range c.active {
		rate += tj.rate
	}

	pending := 0
	for _, tj := range c.pending {
		if !tj.job.Status.terminal() {
			pending++
		}
	}

	return QueueSummary{
		Active:     len(c.active),
		Pending:    pending,
		Completed:  len(c.completed),
		Throughput: speedLabel(rate),
	}
}

// Events returns the stream of job snapshots. Updates are dropped rather
// than blocking the scheduler when the consumer falls behind.
func (c *TransferCoordinator) Events() <-chan TransferJob {
	return c.events
}

// Wait blocks until the job reaches a terminal state or the context ends.
func (c *TransferCoordinator) Wait(ctx context.Context, id string) (TransferJob, error) {
	c.mu.Lock()
	tj, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return TransferJob{}, fmt.Errorf("unknown transfer job %s", id)
	}

	select {
	case <-ctx.Done():
		return TransferJob{}, &CancelledError{Op: "wait " + id, Err: ctx.Err()}
	case <-tj.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return tj.job, nil
}

// Pause interrupts an active job or parks a queued one. Paused jobs keep
// their place in the priority order and are skipped by the scheduler until
// Resume.
func (c *TransferCoordinator) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tj, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("unknown transfer job %s", id)
	}

	switch tj.job.Status {
	case StatusQueued:
		tj.job.Status = StatusPaused
		c.publishLocked(tj)
		return nil
	case StatusActive:
		tj.pausing = true
		if tj.cancel != nil {
			tj.cancel()
		}
		return nil
	case StatusPaused:
		return nil
	default:
		return fmt.Errorf("transfer job %s is %s and cannot be paused", id, tj.job.Status)
	}
}

// Resume returns a paused job to the queue.
func (c *TransferCoordinator) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tj, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("unknown transfer job %s", id)
	}
	if tj.job.Status != StatusPaused {
		return fmt.Errorf("transfer job %s is %s, not paused", id, tj.job.Status)
	}

	tj.job.Status = StatusQueued
	tj.job.Error = ""
	c.publishLocked(tj)
	return nil
}

// Cancel aborts a job in any non-terminal state.
func (c *TransferCoordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tj, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("unknown transfer job %s", id)
	}
	if tj.job.Status.terminal() {
		return nil
	}

	if tj.job.Status == StatusActive {
		tj.cancelled = true
		if tj.cancel != nil {
			tj.cancel()
		}
		return nil
	}

	// Queued or paused: finalize directly. The stale heap entry is dropped
	// when the scheduler pops it.
	c.finalizeLocked(tj, StatusCancelled, "")
	return nil
}

// ClearCompleted removes terminal jobs from the coordinator's records and
// returns how many were dropped.
func (c *TransferCoordinator) ClearCompleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.completed)
	for id := range c.completed {
		delete(c.byID, id)
	}
	c.completed = make(map[string]*trackedJob)
	return n
}

// Close stops the scheduler, cancels active jobs, and fails queued ones.
// The events channel is closed after the last update.
func (c *TransferCoordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		c.closed = true
		for _, tj := range c.active {
			tj.cancelled = true
			if tj.cancel != nil {
				tj.cancel()
			}
		}
		var waitFor []*trackedJob
		for _, tj := range c.active {
			waitFor = append(waitFor, tj)
		}
		for _, tj := range c.pending {
			if !tj.job.Status.terminal() {
				c.finalizeLocked(tj, StatusCancelled, "coordinator closed")
			}
		}
		c.pending = c.pending[:0]
		c.mu.Unlock()

		for _, tj := range waitFor {
			<-tj.done
		}
		close(c.events)
	})
}

// schedule is the admission loop. Each tick it starts as many queued jobs as
// the global and per-host caps allow.
func (c *TransferCoordinator) schedule() {
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.admit()
		case <-c.stop:
			return
		}
	}
}

// admit pops pending jobs in priority order and starts those with headroom.
// Paused and per-host-capped jobs are skipped and re-pushed; stale entries
// for already-finalized jobs are discarded.
func (c *TransferCoordinator) admit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	var skipped []*trackedJob
	for len(c.active) < c.opts.GlobalLimit && c.pending.Len() > 0 {
		tj := heap.Pop(&c.pending).(*trackedJob)

		if tj.job.Status.terminal() {
			continue
		}
		if tj.job.Status == StatusPaused {
			skipped = append(skipped, tj)
			continue
		}
		if c.hostActive[tj.job.HostID] >= c.opts.PerHostLimit {
			skipped = append(skipped, tj)
			continue
		}

		c.startLocked(tj)
	}

	for _, tj := range skipped {
		heap.Push(&c.pending, tj)
	}
}

func (c *TransferCoordinator) startLocked(tj *trackedJob) {
	ctx, cancel := context.WithCancel(context.Background())
	tj.cancel = cancel
	tj.pausing = false
	tj.job.Status = StatusActive
	tj.job.StartedAt = time.Now()
	tj.job.Error = ""

	c.active[tj.job.ID] = tj
	c.hostActive[tj.job.HostID]++
	metricTransferActive.Inc()
	c.publishLocked(tj)

	go c.run(ctx, tj)
}

// run executes one job and routes its outcome back through finish.
func (c *TransferCoordinator) run(ctx context.Context, tj *trackedJob) {
	session, err := c.provider(tj.job.HostID)
	if err != nil {
		c.finish(tj, err)
		return
	}

	// Downloads learn their size from the remote side at start. A stat
	// failure is left for Get to report.
	if tj.job.Kind == TransferDownload && tj.job.TotalBytes == 0 {
		if entry, statErr := session.Stat(ctx, tj.job.RemotePath); statErr == nil {
			c.mu.Lock()
			tj.job.TotalBytes = entry.Size
			c.mu.Unlock()
		}
	}

	progress := func(percent float64, speed string) {
		c.mu.Lock()
		tj.job.Progress = percent
		tj.job.Speed = speed
		if tj.job.TotalBytes > 0 {
			tj.job.BytesTransferred = int64(percent / 100 * float64(tj.job.TotalBytes))
		}
		tj.rate = parseRate(percent, tj.job.TotalBytes, tj.job.StartedAt)
		c.publishLocked(tj)
		c.mu.Unlock()
	}

	switch tj.job.Kind {
	case TransferDownload:
		err = session.Get(ctx, tj.job.RemotePath, tj.job.LocalPath, progress)
	case TransferUpload:
		err = session.Put(ctx, tj.job.LocalPath, tj.job.RemotePath, progress)
	}

	c.finish(tj, err)
}

// parseRate derives a byte rate from completion so the queue summary can
// aggregate throughput. Unknown totals contribute zero.
func parseRate(percent float64, total int64, started time.Time) float64 {
	if total <= 0 {
		return 0
	}
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return percent / 100 * float64(total) / elapsed
}

// finish moves a job out of the active set. A pause interruption re-queues
// the job as paused; everything else is terminal. Cancellation and
// coordinator shutdown take precedence over a pending pause, otherwise a
// re-queued job would keep its done channel open and strand Close and Wait.
func (c *TransferCoordinator) finish(tj *trackedJob, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.active, tj.job.ID)
	if c.hostActive[tj.job.HostID] > 0 {
		c.hostActive[tj.job.HostID]--
	}
	metricTransferActive.Dec()
	tj.rate = 0
	if tj.cancel != nil {
		tj.cancel()
		tj.cancel = nil
	}

	var cancelled *CancelledError
	interrupted := err != nil && (errors.As(err, &cancelled) || errors.Is(err, context.Canceled))

	switch {
	case tj.pausing && interrupted && !tj.cancelled && !c.closed:
		tj.pausing = false
		tj.job.Status = StatusPaused
		heap.Push(&c.pending, tj)
		c.publishLocked(tj)
		c.logger.Info("transfer paused", zap.String("id", tj.job.ID))
	case err == nil:
		tj.job.Progress = 100
		if tj.job.TotalBytes > 0 {
			tj.job.BytesTransferred = tj.job.TotalBytes
		}
		c.finalizeLocked(tj, StatusCompleted, "")
	case tj.cancelled || interrupted:
		c.finalizeLocked(tj, StatusCancelled, "")
	default:
		c.finalizeLocked(tj, StatusFailed, err.Error())
	}
}

// finalizeLocked moves a job into the completed set and wakes waiters.
func (c *TransferCoordinator) finalizeLocked(tj *trackedJob, status TransferStatus, errMsg string) {
	tj.job.Status = status
	tj.job.Error = errMsg
	tj.job.CompletedAt = time.Now()
	c.completed[tj.job.ID] = tj
	metricTransferJobs.WithLabelValues(string(status)).Inc()
	c.publishLocked(tj)
	close(tj.done)

	if status == StatusFailed {
		c.logger.Warn("transfer failed",
			zap.String("id", tj.job.ID),
			zap.String("host", tj.job.HostID),
			zap.String("error", errMsg))
	} else {
		c.logger.Info("transfer finished",
			zap.String("id", tj.job.ID),
			zap.String("status", string(status)))
	}
}

// publishLocked emits a snapshot to the events channel (dropping when full)
// and to the OnUpdate callback.
func (c *TransferCoordinator) publishLocked(tj *trackedJob) {
	snapshot := tj.job

	select {
	case c.events <- snapshot:
	default:
	}

	if c.opts.OnUpdate != nil {
		summary := c.summaryLocked()
		go c.opts.OnUpdate(snapshot, summary)
	}
}
