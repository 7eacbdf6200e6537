package remotefs

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SecretStore is the opaque secret backend consumed by VaultAuth and the
// chain resolver. Implementations may be backed by anything that maps string
// keys to string secrets.
type SecretStore interface {
	// Get returns the secret for key, or ("", nil) if the key is absent.
	Get(ctx context.Context, key string) (string, error)
}

// CredentialResolver supplies an AuthSpec for hosts that carry none.
// Implementations may consult agents, key files, secret stores, or prompt a
// human as a last resort.
type CredentialResolver interface {
	Resolve(ctx context.Context, host Host) (AuthSpec, error)
}

// ChainResolver tries, in order: the host's own AuthSpec, a running SSH
// agent, conventional key files under ~/.ssh, the secret store (via
// Host.CredentialRef), and finally an interactive prompt.
type ChainResolver struct {
	// Store resolves CredentialRef lookups. Optional.
	Store SecretStore

	// Prompt asks a human for a password when everything else failed.
	// Optional; when nil the chain fails with an AuthenticationError.
	Prompt func(host Host) (string, error)

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// defaultKeyFiles are probed in order when no credentials are configured.
var defaultKeyFiles = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Resolve implements CredentialResolver.
func (r *ChainResolver) Resolve(ctx context.Context, host Host) (AuthSpec, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if host.Auth != nil {
		return host.Auth, nil
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			return AgentAuth{Socket: sock}, nil
		}
		logger.Debug("ssh agent socket unavailable, trying key files", zap.String("socket", sock))
	}

	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultKeyFiles {
			keyPath := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(keyPath); err == nil {
				return PrivateKeyAuth{KeyPath: keyPath}, nil
			}
		}
	}

	if r.Store != nil && host.CredentialRef != "" {
		secret, err := r.Store.Get(ctx, host.CredentialRef)
		if err != nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr, Err: err}
		}
		if secret != "" {
			if strings.Contains(secret, "PRIVATE KEY") {
				return PrivateKeyAuth{Key: secret}, nil
			}
			return PasswordAuth{Password: secret}, nil
		}
	}

	if r.Prompt != nil {
		password, err := r.Prompt(host)
		if err != nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr, Err: err}
		}
		return PasswordAuth{Password: password}, nil
	}

	return nil, &AuthenticationError{User: host.User, Addr: host.Addr}
}

// buildAuthMethods converts an AuthSpec into SSH auth methods, pulling
// vault-backed material from the store when needed.
func buildAuthMethods(ctx context.Context, host Host, spec AuthSpec, store SecretStore) ([]ssh.AuthMethod, error) {
	if spec == nil {
		return nil, &AuthenticationError{User: host.User, Addr: host.Addr}
	}

	switch a := spec.(type) {
	case PasswordAuth:
		if a.Password == "" {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr,
				Err: fmt.Errorf("password authentication requires a password")}
		}
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil

	case PrivateKeyAuth:
		method, err := buildPrivateKeyAuth(a)
		if err != nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr, Err: err}
		}
		return []ssh.AuthMethod{method}, nil

	case AgentAuth:
		method, err := buildAgentAuth(a)
		if err != nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr, Err: err}
		}
		return []ssh.AuthMethod{method}, nil

	case VaultAuth:
		if store == nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr,
				Err: fmt.Errorf("vault auth requires a secret store")}
		}
		secret, err := store.Get(ctx, a.Ref)
		if err != nil {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr,
				Err: fmt.Errorf("failed to read secret %q: %w", a.Ref, err)}
		}
		if secret == "" {
			return nil, &AuthenticationError{User: host.User, Addr: host.Addr,
				Err: fmt.Errorf("secret %q is empty", a.Ref)}
		}
		if strings.Contains(secret, "PRIVATE KEY") {
			return buildAuthMethods(ctx, host, PrivateKeyAuth{Key: secret}, store)
		}
		return []ssh.AuthMethod{ssh.Password(secret)}, nil

	default:
		return nil, &AuthenticationError{User: host.User, Addr: host.Addr,
			Err: fmt.Errorf("unsupported auth method %q", spec.Method())}
	}
}

func buildPrivateKeyAuth(a PrivateKeyAuth) (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if a.Key != "" {
		keyData = []byte(a.Key)
	} else if a.KeyPath != "" {
		keyData, err = os.ReadFile(ExpandLocalPath(a.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("no SSH private key provided (set Key or KeyPath)")
	}

	var signer ssh.Signer
	if a.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(a.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildAgentAuth(a AgentAuth) (ssh.AuthMethod, error) {
	socket := a.Socket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, fmt.Errorf("no SSH agent socket (set Socket or $SSH_AUTH_SOCK)")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to reach SSH agent at %s: %w", socket, err)
	}

	ag := agent.NewClient(conn)
	return ssh.PublicKeysCallback(ag.Signers), nil
}

// buildHostKeyCallback configures host key verification from the host's
// known_hosts settings.
func buildHostKeyCallback(host Host, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if host.InsecureIgnoreHostKey {
		logger.Warn("ssh host key verification disabled - this is insecure",
			zap.String("addr", host.dialAddr()))
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if host.KnownHostsFile != "" {
		expandedPath := ExpandLocalPath(host.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			logger.Warn("could not parse known_hosts file",
				zap.String("path", defaultKnownHosts), zap.Error(err))
		}
	}

	logger.Warn("no known_hosts file found - host key verification disabled",
		zap.String("addr", host.dialAddr()))
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}
