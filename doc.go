// Package remotefs provides pooled, resilient remote file access over SSH/SFTP.
//
// This package provides:
//   - A reference-counted connection pool sharing one SSH transport per host
//   - A per-host remote file session with directory-listing cache, health
//     monitoring, retry with exponential backoff, and resumable downloads
//   - A background transfer coordinator with priority scheduling and global
//     and per-host concurrency limits
//   - A directory synchronizer that diffs two file trees (local or remote)
//     and reconciles them
//   - Support for password, private key, SSH agent, and secret-store backed
//     authentication, plus bastion/jump host connections
//
// # Basic Usage
//
// Create a pool and a session, then operate on remote files:
//
//	host := remotefs.Host{
//		Addr: "example.com",
//		User: "deploy",
//		Auth: remotefs.PrivateKeyAuth{KeyPath: "~/.ssh/id_ed25519"},
//	}
//
//	pool := remotefs.NewConnectionPool(remotefs.PoolOptions{})
//	defer pool.Dispose()
//
//	session := remotefs.NewRemoteFileSession(pool, host, nil, remotefs.SessionOptions{})
//	defer session.Close()
//
//	entries, err := session.List(ctx, "~/data", true)
//
// # Background Transfers
//
// Large uploads and downloads go through the TransferCoordinator, which
// schedules jobs by priority under concurrency caps:
//
//	tc := remotefs.NewTransferCoordinator(provider, remotefs.CoordinatorOptions{})
//	defer tc.Close()
//
//	job, err := tc.Enqueue(remotefs.TransferDownload, host.ID, "/tmp/big.iso", "/srv/big.iso", 10)
//	done, err := tc.Wait(ctx, job.ID)
//
// # Directory Synchronization
//
// The DirectorySynchronizer compares two rooted trees and produces a
// reconciliation plan:
//
//	sync := remotefs.NewDirectorySynchronizer(leftTree, rightTree, remotefs.SyncPolicy{
//		CompareSize: true,
//		CompareDate: true,
//	}, nil)
//	items, err := sync.Plan(ctx)
//	stats, err := sync.Execute(ctx, items)
//
// All pool, cache, and health state is in-memory only and is rebuilt on
// demand after a process restart.
package remotefs
