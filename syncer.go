package remotefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// SyncAction is the planned operation for one path.
type SyncAction string

const (
	// ActionNone means both sides already agree.
	ActionNone SyncAction = "none"
	// ActionCopyLeftToRight creates the node on the right.
	ActionCopyLeftToRight SyncAction = "copy-left-to-right"
	// ActionCopyRightToLeft creates the node on the left.
	ActionCopyRightToLeft SyncAction = "copy-right-to-left"
	// ActionUpdateLeftToRight overwrites the right side with the left.
	ActionUpdateLeftToRight SyncAction = "update-left-to-right"
	// ActionUpdateRightToLeft overwrites the left side with the right.
	ActionUpdateRightToLeft SyncAction = "update-right-to-left"
	// ActionDeleteRight removes a right-only node (mirror mode).
	ActionDeleteRight SyncAction = "delete-right"
	// ActionConflict marks a path the synchronizer will not touch, such as
	// a file on one side and a directory on the other.
	ActionConflict SyncAction = "conflict"
)

// SyncItem is one path in a sync plan. Left or Right is nil when the node
// exists on only one side.
type SyncItem struct {
	Path   string
	Left   *FileEntry
	Right  *FileEntry
	Action SyncAction
	Reason string
}

// SyncStats summarizes an executed plan.
type SyncStats struct {
	Examined  int
	Copied    int
	Updated   int
	Deleted   int
	Unchanged int
	Skipped   int
	Conflicts int
	Bytes     int64
	Duration  time.Duration
}

// Tree is a navigable directory tree, local or remote. List takes a path
// relative to the tree root ("." for the root itself).
type Tree interface {
	Root() string
	List(ctx context.Context, rel string) ([]FileEntry, error)
}

// LocalTree exposes a LocalFS as a sync tree.
type LocalTree struct {
	local *LocalFS
}

// NewLocalTree roots a tree at a local directory.
func NewLocalTree(root string) *LocalTree {
	return &LocalTree{local: NewLocalFS(root)}
}

// NewLocalTreeFS wraps an existing LocalFS, typically an in-memory one in
// tests.
func NewLocalTreeFS(local *LocalFS) *LocalTree {
	return &LocalTree{local: local}
}

func (t *LocalTree) Root() string { return t.local.Root() }

func (t *LocalTree) List(_ context.Context, rel string) ([]FileEntry, error) {
	return t.local.List(rel)
}

// abs returns the host-filesystem path for rel, used when handing paths to
// transfer sessions.
func (t *LocalTree) abs(rel string) string {
	return filepath.Join(t.local.Root(), filepath.FromSlash(rel))
}

// RemoteTree exposes a session-backed remote directory as a sync tree.
type RemoteTree struct {
	session *RemoteFileSession
	root    string
}

// NewRemoteTree roots a tree at a remote directory.
func NewRemoteTree(session *RemoteFileSession, root string) *RemoteTree {
	return &RemoteTree{session: session, root: normalizePath(root)}
}

func (t *RemoteTree) Root() string { return t.root }

func (t *RemoteTree) List(ctx context.Context, rel string) ([]FileEntry, error) {
	return t.session.List(ctx, t.abs(rel), true)
}

func (t *RemoteTree) abs(rel string) string {
	if rel == "." || rel == "" {
		return t.root
	}
	return path.Join(t.root, rel)
}

// coordinatorMinBytes is the default size above which the synchronizer
// routes transfers through a coordinator when one is attached.
const coordinatorMinBytes = 8 << 20

// DirectorySynchronizer compares two trees and reconciles their differences.
// Planning is a pure function of the two listings and the policy; the same
// trees always produce the same plan. Execution copies toward the newer side
// and never touches paths flagged as conflicts.
type DirectorySynchronizer struct {
	left   Tree
	right  Tree
	policy SyncPolicy
	logger *zap.Logger

	coordinator    *TransferCoordinator
	coordinatorMin int64
}

// NewDirectorySynchronizer creates a synchronizer over two trees.
func NewDirectorySynchronizer(left, right Tree, policy SyncPolicy, logger *zap.Logger) *DirectorySynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySynchronizer{
		left:           left,
		right:          right,
		policy:         policy.WithDefaults(),
		logger:         logger,
		coordinatorMin: coordinatorMinBytes,
	}
}

// UseCoordinator routes local/remote transfers of at least minBytes through
// the coordinator's priority queue instead of running them inline. A
// minBytes of zero keeps the default threshold.
func (s *DirectorySynchronizer) UseCoordinator(c *TransferCoordinator, minBytes int64) {
	s.coordinator = c
	if minBytes > 0 {
		s.coordinatorMin = minBytes
	}
}

// Plan walks both trees and classifies every path present on either side.
// The result is sorted by path, parents before children, and contains every
// examined path including unchanged ones; Changes strips those out.
func (s *DirectorySynchronizer) Plan(ctx context.Context) ([]SyncItem, error) {
	leftEntries, err := s.walk(ctx, s.left)
	if err != nil {
		return nil, fmt.Errorf("failed to walk left tree %s: %w", s.left.Root(), err)
	}
	rightEntries, err := s.walk(ctx, s.right)
	if err != nil {
		return nil, fmt.Errorf("failed to walk right tree %s: %w", s.right.Root(), err)
	}

	seen := make(map[string]struct{}, len(leftEntries)+len(rightEntries))
	paths := make([]string, 0, len(leftEntries)+len(rightEntries))
	for p := range leftEntries {
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for p := range rightEntries {
		if _, ok := seen[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	items := make([]SyncItem, 0, len(paths))
	for _, p := range paths {
		var left, right *FileEntry
		if e, ok := leftEntries[p]; ok {
			entry := e
			left = &entry
		}
		if e, ok := rightEntries[p]; ok {
			entry := e
			right = &entry
		}
		action, reason := s.classify(left, right)
		items = append(items, SyncItem{Path: p, Left: left, Right: right, Action: action, Reason: reason})
	}
	return items, nil
}

// walk flattens a tree into a map keyed by slash-separated relative path.
// A missing root yields an empty map so syncing into a fresh target works.
func (s *DirectorySynchronizer) walk(ctx context.Context, t Tree) (map[string]FileEntry, error) {
	result := make(map[string]FileEntry)
	stack := []string{"."}

	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := t.List(ctx, rel)
		if err != nil {
			var nf *NotFoundError
			if rel == "." && errors.As(err, &nf) {
				return result, nil
			}
			return nil, err
		}

		for _, entry := range entries {
			childRel := entry.Name
			if rel != "." {
				childRel = rel + "/" + entry.Name
			}
			if matchesAny(childRel, s.policy.Exclude) {
				continue
			}
			if entry.Type == EntryDir {
				result[childRel] = entry
				stack = append(stack, childRel)
				continue
			}
			if len(s.policy.Include) > 0 && !matchesAny(childRel, s.policy.Include) {
				continue
			}
			result[childRel] = entry
		}
	}
	return result, nil
}

// classify applies the comparison rules in order: presence, type, size,
// then modification time. Updates flow toward the newer side; equal
// timestamps prefer left as the deterministic tiebreak.
func (s *DirectorySynchronizer) classify(left, right *FileEntry) (SyncAction, string) {
	switch {
	case left != nil && right == nil:
		return ActionCopyLeftToRight, "missing on right"
	case left == nil && right != nil:
		return ActionCopyRightToLeft, "missing on left"
	}

	if left.Type != right.Type {
		return ActionConflict, fmt.Sprintf("type mismatch: %s vs %s", left.Type, right.Type)
	}
	if left.Type == EntryDir {
		return ActionNone, ""
	}

	newerLeft := !right.ModTime.After(left.ModTime)

	if s.policy.CompareSize && left.Size != right.Size {
		if newerLeft {
			return ActionUpdateLeftToRight, "size differs"
		}
		return ActionUpdateRightToLeft, "size differs"
	}

	if s.policy.CompareDate {
		delta := left.ModTime.Sub(right.ModTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.policy.ModifyWindow {
			if newerLeft {
				return ActionUpdateLeftToRight, "newer on left"
			}
			return ActionUpdateRightToLeft, "newer on right"
		}
	}

	return ActionNone, ""
}

// Changes filters a plan down to the items that need work, dropping
// unchanged paths. Plan reports every examined path so callers can audit
// what was compared; callers that only care about differences filter here.
func Changes(plan []SyncItem) []SyncItem {
	out := make([]SyncItem, 0, len(plan))
	for _, item := range plan {
		if item.Action != ActionNone {
			out = append(out, item)
		}
	}
	return out
}

// WithDeletions rewrites a plan to mirror the left tree onto the right:
// right-only nodes are deleted instead of copied back. Deletion is opt-in
// because it is the only destructive sync action.
func WithDeletions(plan []SyncItem) []SyncItem {
	out := make([]SyncItem, len(plan))
	copy(out, plan)
	for i := range out {
		if out[i].Action == ActionCopyRightToLeft {
			out[i].Action = ActionDeleteRight
			out[i].Reason = "absent on left"
		}
		if out[i].Action == ActionUpdateRightToLeft {
			out[i].Action = ActionUpdateLeftToRight
			out[i].Reason = "mirroring left"
		}
	}
	return out
}

// Execute applies a plan. Copies run in plan order so parent directories
// exist before their children; deletions run afterwards, deepest first.
// Symlinks are reported as skipped rather than recreated.
func (s *DirectorySynchronizer) Execute(ctx context.Context, plan []SyncItem) (SyncStats, error) {
	start := time.Now()
	var stats SyncStats
	var deletions []SyncItem

	for _, item := range plan {
		if err := ctx.Err(); err != nil {
			return stats, &CancelledError{Op: "sync", Err: err}
		}
		stats.Examined++

		switch item.Action {
		case ActionNone:
			stats.Unchanged++
		case ActionConflict:
			stats.Conflicts++
			s.logger.Warn("sync conflict skipped",
				zap.String("path", item.Path),
				zap.String("reason", item.Reason))
		case ActionDeleteRight:
			deletions = append(deletions, item)
		case ActionCopyLeftToRight, ActionUpdateLeftToRight:
			if err := s.apply(ctx, item, item.Left, s.left, s.right, &stats); err != nil {
				return stats, err
			}
		case ActionCopyRightToLeft, ActionUpdateRightToLeft:
			if err := s.apply(ctx, item, item.Right, s.right, s.left, &stats); err != nil {
				return stats, err
			}
		}
	}

	// Children sort after their parents, so the reverse order removes
	// leaves first. Nested deletions under a deleted directory become
	// NotFound and are ignored.
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].Path > deletions[j].Path })
	for _, item := range deletions {
		if err := ctx.Err(); err != nil {
			return stats, &CancelledError{Op: "sync", Err: err}
		}
		if err := s.delete(ctx, s.right, item); err != nil {
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				return stats, err
			}
			continue
		}
		stats.Deleted++
	}

	stats.Duration = time.Since(start)
	s.logger.Info("sync finished",
		zap.Int("copied", stats.Copied),
		zap.Int("updated", stats.Updated),
		zap.Int("deleted", stats.Deleted),
		zap.Int("conflicts", stats.Conflicts),
		zap.String("bytes", FormatBytes(stats.Bytes)),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// Sync is Plan followed by Execute.
func (s *DirectorySynchronizer) Sync(ctx context.Context) (SyncStats, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	return s.Execute(ctx, plan)
}

func (s *DirectorySynchronizer) apply(ctx context.Context, item SyncItem, entry *FileEntry, from, to Tree, stats *SyncStats) error {
	update := item.Action == ActionUpdateLeftToRight || item.Action == ActionUpdateRightToLeft

	switch entry.Type {
	case EntryDir:
		if err := s.mkdir(ctx, to, item.Path); err != nil {
			return err
		}
	case EntrySymlink:
		stats.Skipped++
		s.logger.Debug("skipping symlink", zap.String("path", item.Path))
		return nil
	default:
		if err := s.transferFile(ctx, item.Path, *entry, from, to); err != nil {
			return fmt.Errorf("failed to sync %s: %w", item.Path, err)
		}
		stats.Bytes += entry.Size
	}

	if update {
		stats.Updated++
	} else {
		stats.Copied++
	}
	return nil
}

func (s *DirectorySynchronizer) mkdir(ctx context.Context, t Tree, rel string) error {
	switch tree := t.(type) {
	case *LocalTree:
		return tree.local.MkdirAll(rel)
	case *RemoteTree:
		return tree.session.Mkdir(ctx, tree.abs(rel))
	default:
		return fmt.Errorf("unsupported tree type %T", t)
	}
}

func (s *DirectorySynchronizer) delete(ctx context.Context, t Tree, item SyncItem) error {
	switch tree := t.(type) {
	case *LocalTree:
		return tree.local.Delete(item.Path, true)
	case *RemoteTree:
		return tree.session.Delete(ctx, tree.abs(item.Path), true)
	default:
		return fmt.Errorf("unsupported tree type %T", t)
	}
}

// transferFile copies one file between trees, picking the cheapest route
// for the tree pair: streamed copies for local pairs, a server-side copy
// for same-host remote pairs, and session transfers otherwise. Large
// local/remote transfers go through the coordinator when one is attached.
func (s *DirectorySynchronizer) transferFile(ctx context.Context, rel string, entry FileEntry, from, to Tree) error {
	switch src := from.(type) {
	case *LocalTree:
		switch dst := to.(type) {
		case *LocalTree:
			content, err := src.local.Read(rel, 0)
			if err != nil {
				return err
			}
			return dst.local.Write(rel, content)
		case *RemoteTree:
			return s.upload(ctx, src.abs(rel), dst, dst.abs(rel), entry.Size)
		}
	case *RemoteTree:
		switch dst := to.(type) {
		case *LocalTree:
			return s.download(ctx, src, src.abs(rel), dst.abs(rel), entry.Size)
		case *RemoteTree:
			return s.remoteToRemote(ctx, src, dst, rel)
		}
	}
	return fmt.Errorf("unsupported tree pair %T -> %T", from, to)
}

func (s *DirectorySynchronizer) upload(ctx context.Context, localAbs string, dst *RemoteTree, remoteAbs string, size int64) error {
	if s.coordinator != nil && size >= s.coordinatorMin {
		return s.coordinated(ctx, TransferUpload, dst.session.HostID(), localAbs, remoteAbs)
	}
	return dst.session.Put(ctx, localAbs, remoteAbs, nil)
}

func (s *DirectorySynchronizer) download(ctx context.Context, src *RemoteTree, remoteAbs, localAbs string, size int64) error {
	if s.coordinator != nil && size >= s.coordinatorMin {
		return s.coordinated(ctx, TransferDownload, src.session.HostID(), localAbs, remoteAbs)
	}
	return src.session.Get(ctx, remoteAbs, localAbs, nil)
}

// coordinated enqueues the transfer and blocks until it settles.
func (s *DirectorySynchronizer) coordinated(ctx context.Context, kind TransferKind, hostID, localAbs, remoteAbs string) error {
	job, err := s.coordinator.Enqueue(kind, hostID, localAbs, remoteAbs, 0)
	if err != nil {
		return err
	}
	final, err := s.coordinator.Wait(ctx, job.ID)
	if err != nil {
		return err
	}
	if final.Status != StatusCompleted {
		return fmt.Errorf("%s of %s %s: %s", kind, remoteAbs, final.Status, final.Error)
	}
	return nil
}

// remoteToRemote copies between remote trees: a server-side copy when both
// sit on the same session, otherwise a bounce through a local temp file.
func (s *DirectorySynchronizer) remoteToRemote(ctx context.Context, src, dst *RemoteTree, rel string) error {
	if src.session == dst.session {
		return src.session.Copy(ctx, src.abs(rel), dst.abs(rel))
	}

	tmp, err := os.CreateTemp("", "remotefs-sync-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := src.session.Get(ctx, src.abs(rel), tmpPath, nil); err != nil {
		return err
	}
	return dst.session.Put(ctx, tmpPath, dst.abs(rel), nil)
}
