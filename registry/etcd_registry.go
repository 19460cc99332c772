package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultPrefix = "/cell-rpc/"

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(r *EtcdRegistry) { r.dialTimeout = d }
}

// EtcdRegistry keeps instances in etcd v3 under
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations are bound to a TTL lease renewed by KeepAlive, so a crashed
// server's entries expire on their own.
type EtcdRegistry struct {
	client      *clientv3.Client
	prefix      string
	logger      *zap.Logger
	dialTimeout time.Duration

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister and Close
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	r := &EtcdRegistry{
		prefix:      DefaultPrefix,
		logger:      zap.NewNop(),
		dialTimeout: 5 * time.Second,
		leases:      make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: r.dialTimeout,
		Logger:      r.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r.client = c
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register puts instance under a fresh lease of ttl seconds and keeps the
// lease alive in the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive ctx, which usually belongs to the caller's setup.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if had {
		if _, err := r.client.Revoke(ctx, old); err != nil {
			r.logger.Warn("revoke replaced lease", zap.String("key", key), zap.Error(err))
		}
	}

	r.logger.Info("registered", zap.String("service", serviceName), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease, stopping KeepAlive.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.servicePrefix(serviceName) + addr

	r.mu.Lock()
	lease, had := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	if had {
		_, revokeErr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, revokeErr)
	}
	if err != nil {
		return fmt.Errorf("registry: deregister %s: %w", key, err)
	}
	r.logger.Info("deregistered", zap.String("service", serviceName), zap.String("addr", addr))
	return nil
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this registry granted and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
	defer cancel()

	var err error
	for _, lease := range leases {
		_, revokeErr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, revokeErr)
	}
	return multierr.Append(err, r.client.Close())
}
