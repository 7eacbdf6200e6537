package remotefs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// dialFunc opens a transport for a host. Swappable for tests.
type dialFunc func(ctx context.Context, host Host, spec AuthSpec, store SecretStore, logger *zap.Logger) (*Transport, error)

// ConnectionPool owns at most one live transport per host identity and
// reference-counts shared use across consumers (interactive shell, file
// browser, background transfers). It is the single point of truth for
// whether a host has a live transport; construct one pool at startup and
// inject it into every component that needs shared connections.
type ConnectionPool struct {
	mu     sync.Mutex
	conns  map[string]*pooledConnection
	store  SecretStore
	logger *zap.Logger
	dial   dialFunc
	closed bool
}

type pooledConnection struct {
	transport *Transport
	refCount  int
}

// NewConnectionPool creates an empty pool.
func NewConnectionPool(opts PoolOptions) *ConnectionPool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionPool{
		conns:  make(map[string]*pooledConnection),
		store:  opts.Store,
		logger: logger,
		dial:   dialTransport,
	}
}

// Acquire returns the shared transport for the host, opening one if none is
// live. Every successful Acquire must be paired with a Release. When the
// host carries no AuthSpec, resolver supplies one.
func (p *ConnectionPool) Acquire(ctx context.Context, host Host, resolver CredentialResolver) (*Transport, error) {
	host = host.WithDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("connection pool is disposed")
	}

	if pc, ok := p.conns[host.ID]; ok {
		pc.refCount++
		p.logger.Debug("reusing pooled connection",
			zap.String("host", host.ID), zap.Int("refs", pc.refCount))
		return pc.transport, nil
	}

	spec := host.Auth
	if spec == nil {
		if resolver == nil {
			resolver = &ChainResolver{Store: p.store, Logger: p.logger}
		}
		resolved, err := resolver.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		spec = resolved
	}

	transport, err := p.dial(ctx, host, spec, p.store, p.logger)
	if err != nil {
		return nil, err
	}

	p.conns[host.ID] = &pooledConnection{transport: transport, refCount: 1}
	metricPoolOpens.Inc()
	metricPoolActive.Inc()
	p.logger.Info("opened connection", zap.String("host", host.ID))

	go p.watch(host.ID, transport)

	return transport, nil
}

// watch removes the pool entry when the underlying connection ends
// unexpectedly, so the next Acquire dials fresh.
func (p *ConnectionPool) watch(hostID string, t *Transport) {
	err := t.wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[hostID]
	if !ok || pc.transport != t {
		return
	}
	delete(p.conns, hostID)
	metricPoolActive.Dec()
	p.logger.Warn("connection closed unexpectedly",
		zap.String("host", hostID), zap.Error(err))
	t.Close()
}

// Release decrements the host's reference count, closing and removing the
// transport when it reaches zero. Releasing an unknown host is a logged
// no-op.
func (p *ConnectionPool) Release(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[hostID]
	if !ok {
		p.logger.Debug("release for unknown host", zap.String("host", hostID))
		return
	}

	pc.refCount--
	if pc.refCount > 0 {
		return
	}

	delete(p.conns, hostID)
	metricPoolActive.Dec()
	p.logger.Info("closed connection", zap.String("host", hostID))
	pc.transport.Close()
}

// Discard force-closes and removes the host's transport regardless of
// reference count. Used when a health monitor declares the connection dead;
// the next Acquire opens a fresh transport.
func (p *ConnectionPool) Discard(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[hostID]
	if !ok {
		return
	}

	delete(p.conns, hostID)
	metricPoolActive.Dec()
	p.logger.Warn("discarding unhealthy connection", zap.String("host", hostID))
	pc.transport.Close()
}

// Connection returns the live transport for a host without changing its
// reference count.
func (p *ConnectionPool) Connection(hostID string) (*Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[hostID]
	if !ok {
		return nil, false
	}
	return pc.transport, true
}

// Has reports whether a live transport exists for the host.
func (p *ConnectionPool) Has(hostID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[hostID]
	return ok
}

// RefCount returns the current reference count for the host, zero if none.
func (p *ConnectionPool) RefCount(hostID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[hostID]
	if !ok {
		return 0
	}
	return pc.refCount
}

// Len returns the number of live transports.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Dispose closes every live transport and clears the pool. Used at process
// shutdown; the pool cannot be reused afterwards.
func (p *ConnectionPool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for hostID, pc := range p.conns {
		pc.transport.Close()
		delete(p.conns, hostID)
		metricPoolActive.Dec()
	}
	p.closed = true
	p.logger.Info("connection pool disposed")
}
