package remotefs

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// AuthMethod tags the SSH authentication variant in use.
type AuthMethod string

const (
	// AuthPassword uses password authentication.
	AuthPassword AuthMethod = "password"
	// AuthPrivateKey uses SSH private key authentication.
	AuthPrivateKey AuthMethod = "private_key"
	// AuthAgent authenticates through a running SSH agent.
	AuthAgent AuthMethod = "agent"
	// AuthVault resolves credentials from a SecretStore at connect time.
	AuthVault AuthMethod = "vault"
)

// AuthSpec is the tagged union over authentication variants. Each variant
// carries exactly the material it needs; the dialer switches on the tag.
type AuthSpec interface {
	Method() AuthMethod
}

// PasswordAuth authenticates with a plain password.
type PasswordAuth struct {
	Password string
}

func (PasswordAuth) Method() AuthMethod { return AuthPassword }

// PrivateKeyAuth authenticates with a PEM-encoded private key, given either
// inline or as a file path. Key takes precedence over KeyPath.
type PrivateKeyAuth struct {
	Key        string
	KeyPath    string
	Passphrase string
}

func (PrivateKeyAuth) Method() AuthMethod { return AuthPrivateKey }

// AgentAuth authenticates through an SSH agent socket. An empty Socket falls
// back to $SSH_AUTH_SOCK.
type AgentAuth struct {
	Socket string
}

func (AgentAuth) Method() AuthMethod { return AuthAgent }

// VaultAuth resolves the secret named by Ref from the pool's SecretStore.
// A PEM-looking secret is used as a private key, anything else as a password.
type VaultAuth struct {
	Ref string
}

func (VaultAuth) Method() AuthMethod { return AuthVault }

// Host describes one remote endpoint. It is immutable per connection
// attempt; the pool keys its entries by ID.
type Host struct {
	// ID is the stable host identity. Defaults to "user@addr:port".
	ID string

	// Addr is the hostname or IP address.
	Addr string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string

	// Auth selects the authentication variant. When nil, a
	// CredentialResolver must supply one at acquire time.
	Auth AuthSpec

	// KeepAlive enables periodic transport-level keepalive requests.
	KeepAlive bool

	// CredentialRef names an entry in the SecretStore for resolvers that
	// look up passwords by reference.
	CredentialRef string

	// KnownHostsFile is the path to a known_hosts file for host key
	// verification. Defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool

	// ConnectTimeout bounds the TCP+handshake phase (default 30s).
	ConnectTimeout time.Duration

	// BastionAddr is the hostname or IP of a bastion/jump host.
	BastionAddr string

	// BastionPort is the SSH port of the bastion host (default 22).
	BastionPort int

	// BastionUser is the SSH username for the bastion host.
	// Falls back to User if not set.
	BastionUser string

	// BastionAuth is the authentication variant for the bastion host.
	// Falls back to Auth if not set.
	BastionAuth AuthSpec
}

// WithDefaults returns a copy of the host with default values applied.
func (h Host) WithDefaults() Host {
	if h.Port == 0 {
		h.Port = 22
	}
	if h.ConnectTimeout == 0 {
		h.ConnectTimeout = 30 * time.Second
	}
	if h.BastionPort == 0 && h.BastionAddr != "" {
		h.BastionPort = 22
	}
	if h.ID == "" {
		h.ID = fmt.Sprintf("%s@%s:%d", h.User, h.Addr, h.Port)
	}
	return h
}

func (h Host) dialAddr() string {
	return fmt.Sprintf("%s:%d", h.Addr, h.Port)
}

func (h Host) bastionDialAddr() string {
	return fmt.Sprintf("%s:%d", h.BastionAddr, h.BastionPort)
}

// hostEnv mirrors Host for environment-based configuration.
type hostEnv struct {
	Addr        string `envconfig:"ADDR" required:"true"`
	Port        int    `envconfig:"PORT" default:"22"`
	User        string `envconfig:"USER" required:"true"`
	Password    string `envconfig:"PASSWORD"`
	KeyPath     string `envconfig:"KEY_PATH"`
	Passphrase  string `envconfig:"KEY_PASSPHRASE"`
	AgentSocket string `envconfig:"AGENT_SOCKET"`
	SecretRef   string `envconfig:"SECRET_REF"`
	KnownHosts  string `envconfig:"KNOWN_HOSTS"`
	Insecure    bool   `envconfig:"INSECURE_HOST_KEY"`
	KeepAlive   bool   `envconfig:"KEEPALIVE" default:"true"`
}

// HostFromEnv builds a Host from environment variables under the given
// prefix (e.g. prefix "REMOTEFS" reads REMOTEFS_ADDR, REMOTEFS_USER, ...).
// A .env file in the working directory is loaded first when present.
func HostFromEnv(prefix string) (Host, error) {
	_ = godotenv.Load()

	var env hostEnv
	if err := envconfig.Process(prefix, &env); err != nil {
		return Host{}, fmt.Errorf("failed to read host configuration from environment: %w", err)
	}

	host := Host{
		Addr:                  env.Addr,
		Port:                  env.Port,
		User:                  env.User,
		KeepAlive:             env.KeepAlive,
		CredentialRef:         env.SecretRef,
		KnownHostsFile:        env.KnownHosts,
		InsecureIgnoreHostKey: env.Insecure,
	}

	switch {
	case env.KeyPath != "":
		host.Auth = PrivateKeyAuth{KeyPath: env.KeyPath, Passphrase: env.Passphrase}
	case env.Password != "":
		host.Auth = PasswordAuth{Password: env.Password}
	case env.AgentSocket != "":
		host.Auth = AgentAuth{Socket: env.AgentSocket}
	case env.SecretRef != "":
		host.Auth = VaultAuth{Ref: env.SecretRef}
	}

	return host.WithDefaults(), nil
}

// PoolOptions configures a ConnectionPool.
type PoolOptions struct {
	// Store resolves vault-backed credentials. May be nil if no host uses
	// VaultAuth.
	Store SecretStore

	// Logger receives pool lifecycle events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// SessionOptions configures a RemoteFileSession.
type SessionOptions struct {
	// InitTimeout bounds transport establishment (default 45s).
	InitTimeout time.Duration

	// OperationTimeout bounds each remote call (default 30s).
	OperationTimeout time.Duration

	// PathExpandTimeout bounds home-directory expansion (default 5s).
	PathExpandTimeout time.Duration

	// CacheTTL is how long a directory listing stays fresh (default 30s).
	CacheTTL time.Duration

	// CacheMaxBytes is the cache byte budget (default 4 MiB).
	CacheMaxBytes int64

	// HealthInterval is the liveness probe period (default 15s).
	HealthInterval time.Duration

	// HealthLatencyLimit is the rolling-average latency above which the
	// session is preemptively reconnected (default 2s).
	HealthLatencyLimit time.Duration

	// VerifyChecksums enables a remote checksum comparison after each
	// completed download.
	VerifyChecksums bool

	// Retry configures the exponential-backoff retry wrapper.
	Retry RetryConfig

	// Logger receives session events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// WithDefaults returns a copy of the options with default values applied.
func (o SessionOptions) WithDefaults() SessionOptions {
	if o.InitTimeout == 0 {
		o.InitTimeout = 45 * time.Second
	}
	if o.OperationTimeout == 0 {
		o.OperationTimeout = 30 * time.Second
	}
	if o.PathExpandTimeout == 0 {
		o.PathExpandTimeout = 5 * time.Second
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.CacheMaxBytes == 0 {
		o.CacheMaxBytes = 4 << 20
	}
	if o.HealthInterval == 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.HealthLatencyLimit == 0 {
		o.HealthLatencyLimit = 2 * time.Second
	}
	if o.Retry == (RetryConfig{}) {
		o.Retry = DefaultRetryConfig()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// CoordinatorOptions configures a TransferCoordinator.
type CoordinatorOptions struct {
	// GlobalLimit caps concurrently active jobs across all hosts (default 5).
	GlobalLimit int

	// PerHostLimit caps concurrently active jobs per host (default 3).
	PerHostLimit int

	// Tick is the scheduler loop interval (default 200ms).
	Tick time.Duration

	// EventBuffer sizes the Events channel (default 64). Events are dropped
	// rather than blocking the scheduler when the buffer is full.
	EventBuffer int

	// OnUpdate, when set, is invoked for every job update in addition to the
	// Events channel. Delivery is not serialized across jobs.
	OnUpdate func(TransferJob, QueueSummary)

	// Logger receives scheduler events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// WithDefaults returns a copy of the options with default values applied.
func (o CoordinatorOptions) WithDefaults() CoordinatorOptions {
	if o.GlobalLimit == 0 {
		o.GlobalLimit = 5
	}
	if o.PerHostLimit == 0 {
		o.PerHostLimit = 3
	}
	if o.Tick == 0 {
		o.Tick = 200 * time.Millisecond
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// SyncPolicy configures how the DirectorySynchronizer compares two trees.
type SyncPolicy struct {
	// CompareSize treats differing file sizes as a difference.
	CompareSize bool

	// CompareDate treats modification times differing by more than
	// ModifyWindow as a difference.
	CompareDate bool

	// ModifyWindow absorbs filesystem timestamp granularity (default 2s).
	ModifyWindow time.Duration

	// Include restricts the comparison to paths matching any pattern.
	// Empty means everything is included.
	Include []string

	// Exclude drops paths matching any pattern.
	// Example: []string{"*.tmp", ".git", "node_modules"}
	Exclude []string
}

// WithDefaults returns a copy of the policy with default values applied.
func (p SyncPolicy) WithDefaults() SyncPolicy {
	if p.ModifyWindow == 0 {
		p.ModifyWindow = 2 * time.Second
	}
	return p
}

// ProgressFunc reports transfer progress. It is invoked at most once per
// data chunk with the completion percentage and a human-readable rate such
// as "3.2 MB/s".
type ProgressFunc func(percent float64, speed string)
