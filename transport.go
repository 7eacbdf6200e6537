package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sftpFile abstracts remote file handles for testing.
type sftpFile interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// sftpConn abstracts the SFTP operations used by sessions. This allows
// mocking in tests.
type sftpConn interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadLink(path string) (string, error)
	Open(path string) (sftpFile, error)
	Create(path string) (sftpFile, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	MkdirAll(path string) error
	Rename(oldname, newname string) error
	Chmod(path string, mode os.FileMode) error
	Getwd() (string, error)
	Close() error
}

// sftpClientWrapper wraps the real sftp.Client to implement sftpConn.
type sftpClientWrapper struct {
	client *sftp.Client
}

var _ sftpConn = (*sftpClientWrapper)(nil)

func (w *sftpClientWrapper) ReadDir(path string) ([]os.FileInfo, error) { return w.client.ReadDir(path) }
func (w *sftpClientWrapper) Stat(path string) (os.FileInfo, error)      { return w.client.Stat(path) }
func (w *sftpClientWrapper) Lstat(path string) (os.FileInfo, error)     { return w.client.Lstat(path) }
func (w *sftpClientWrapper) ReadLink(path string) (string, error)       { return w.client.ReadLink(path) }
func (w *sftpClientWrapper) Open(path string) (sftpFile, error)         { return w.client.Open(path) }
func (w *sftpClientWrapper) Create(path string) (sftpFile, error)       { return w.client.Create(path) }
func (w *sftpClientWrapper) Remove(path string) error                   { return w.client.Remove(path) }
func (w *sftpClientWrapper) RemoveDirectory(path string) error          { return w.client.RemoveDirectory(path) }
func (w *sftpClientWrapper) MkdirAll(path string) error                 { return w.client.MkdirAll(path) }
func (w *sftpClientWrapper) Rename(o, n string) error                   { return w.client.Rename(o, n) }
func (w *sftpClientWrapper) Chmod(path string, m os.FileMode) error     { return w.client.Chmod(path, m) }
func (w *sftpClientWrapper) Getwd() (string, error)                     { return w.client.Getwd() }
func (w *sftpClientWrapper) Close() error                               { return w.client.Close() }

// commandRunner executes a command on the remote host over the shared
// transport and reports its output and exit code.
type commandRunner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// sshRunner runs commands through dedicated sessions on one SSH client.
// The SSH connection multiplexes these as independent logical channels, so
// command execution never interleaves with file-transfer traffic.
type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", "", -1, &CancelledError{Op: "exec", Err: err}
	}

	session, err := r.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return stdout.String(), stderr.String(), -1, &CancelledError{Op: "exec", Err: ctx.Err()}
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
			}
			return stdout.String(), stderr.String(), -1, fmt.Errorf("remote command failed: %w", err)
		}
		return stdout.String(), stderr.String(), exitCode, nil
	}
}

// Transport is one live, shared connection to a remote host. File-transfer
// and command-execution traffic run on separate logical channels of the same
// underlying SSH connection.
type Transport struct {
	host    Host
	ssh     *ssh.Client
	bastion *ssh.Client // nil if no bastion host
	files   sftpConn
	runner  commandRunner

	closeOnce sync.Once
	done      chan struct{}
}

// Host returns the descriptor this transport was opened for.
func (t *Transport) Host() Host { return t.host }

// Exec runs a command on the remote host.
func (t *Transport) Exec(ctx context.Context, command string) (string, string, int, error) {
	return t.runner.Run(ctx, command)
}

// Close shuts down the file channel, the SSH connection, and any bastion hop.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.files != nil {
			t.files.Close()
		}
		if t.ssh != nil {
			t.ssh.Close()
		}
		if t.bastion != nil {
			t.bastion.Close()
		}
		if t.done != nil {
			close(t.done)
		}
	})
	return nil
}

// wait blocks until the underlying SSH connection ends.
func (t *Transport) wait() error {
	if t.ssh != nil {
		return t.ssh.Wait()
	}
	if t.done != nil {
		<-t.done
	}
	return nil
}

// keepAlive sends a transport-level keepalive request. Used as the health
// probe alongside a cheap SFTP round trip.
func (t *Transport) keepAlive() error {
	if t.ssh == nil {
		return nil
	}
	_, _, err := t.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// dialTransport opens the SSH connection and its SFTP channel for one host,
// routing through a bastion when configured. It never returns a partially
// opened transport.
func dialTransport(ctx context.Context, host Host, spec AuthSpec, store SecretStore, logger *zap.Logger) (*Transport, error) {
	host = host.WithDefaults()

	authMethods, err := buildAuthMethods(ctx, host, spec, store)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := buildHostKeyCallback(host, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            host.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         host.ConnectTimeout,
	}

	var sshClient *ssh.Client
	var bastionClient *ssh.Client

	targetAddr := host.dialAddr()

	if host.BastionAddr != "" {
		bastionClient, err = dialBastion(ctx, host, store, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bastion host: %w", err)
		}

		conn, err := bastionClient.Dial("tcp", targetAddr)
		if err != nil {
			bastionClient.Close()
			return nil, classifyDialError(targetAddr, host, err)
		}

		ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, sshConfig)
		if err != nil {
			conn.Close()
			bastionClient.Close()
			return nil, classifyDialError(targetAddr, host, err)
		}

		sshClient = ssh.NewClient(ncc, chans, reqs)
	} else {
		sshClient, err = ssh.Dial("tcp", targetAddr, sshConfig)
		if err != nil {
			return nil, classifyDialError(targetAddr, host, err)
		}
	}

	rawSftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, &ConnectionError{Addr: targetAddr,
			Err: fmt.Errorf("failed to open file-transfer channel: %w", err)}
	}

	return &Transport{
		host:    host,
		ssh:     sshClient,
		bastion: bastionClient,
		files:   &sftpClientWrapper{client: rawSftpClient},
		runner:  &sshRunner{client: sshClient},
		done:    make(chan struct{}),
	}, nil
}

func dialBastion(ctx context.Context, host Host, store SecretStore, logger *zap.Logger) (*ssh.Client, error) {
	spec := host.BastionAuth
	if spec == nil {
		spec = host.Auth
	}
	if spec == nil {
		return nil, &AuthenticationError{User: host.BastionUser, Addr: host.BastionAddr,
			Err: fmt.Errorf("no credentials configured for bastion host")}
	}

	bastionUser := host.BastionUser
	if bastionUser == "" {
		bastionUser = host.User
	}

	authMethods, err := buildAuthMethods(ctx, host, spec, store)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := buildHostKeyCallback(host, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification for bastion: %w", err)
	}

	bastionConfig := &ssh.ClientConfig{
		User:            bastionUser,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         host.ConnectTimeout,
	}

	client, err := ssh.Dial("tcp", host.bastionDialAddr(), bastionConfig)
	if err != nil {
		return nil, classifyDialError(host.bastionDialAddr(), host, err)
	}
	return client, nil
}

// classifyDialError separates credential rejections from transport failures.
func classifyDialError(addr string, host Host, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &AuthenticationError{User: host.User, Addr: addr, Err: err}
	}
	return &ConnectionError{Addr: addr, Err: err}
}
