// Package etcd implements coord.Store against an etcd cluster, the
// coordination backend the fleet runs. Leases map to native etcd leases
// and TryAcquire is a single conditional transaction on the key's create
// revision, so mutual exclusion holds without any client-side locking.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ycluster/roled/coord"
)

const defaultDialTimeout = 10 * time.Second

// Options configure the etcd store.
type Options struct {
	// Endpoints are tried in order by the client's balancer.
	Endpoints []string

	DialTimeout time.Duration
	Username    string
	Password    string
	TLS         *tls.Config
}

// Store implements coord.Store using etcd leases and transactions.
type Store struct {
	cli       *clientv3.Client
	endpoints []string
}

// Enforce the interface at compile time.
var _ coord.Store = (*Store)(nil)

// New connects an etcd-backed store. Connection establishment is lazy in
// the client; reachability is probed through Ping.
func New(opts Options) (*Store, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
		TLS:         opts.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &Store{cli: cli, endpoints: opts.Endpoints}, nil
}

// Close releases the etcd client.
func (s *Store) Close() error {
	return s.cli.Close()
}

// Grant implements coord.Store.
func (s *Store) Grant(ctx context.Context, ttl time.Duration) (coord.LeaseID, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	resp, err := s.cli.Grant(ctx, seconds)
	if err != nil {
		return "", unavailable(err)
	}
	return encodeLeaseID(resp.ID), nil
}

// KeepAlive implements coord.Store. A single keep-alive round-trip; the
// caller's context bounds it so a stalled store cannot freeze the
// election loop.
func (s *Store) KeepAlive(ctx context.Context, id coord.LeaseID) error {
	leaseID, err := decodeLeaseID(id)
	if err != nil {
		return err
	}
	_, err = s.cli.KeepAliveOnce(ctx, leaseID)
	if err == nil {
		return nil
	}
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return coord.ErrLeaseExpired
	}
	return unavailable(err)
}

// Revoke implements coord.Store.
func (s *Store) Revoke(ctx context.Context, id coord.LeaseID) error {
	leaseID, err := decodeLeaseID(id)
	if err != nil {
		return err
	}
	_, err = s.cli.Revoke(ctx, leaseID)
	if err == nil || errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return nil
	}
	return unavailable(err)
}

// TryAcquire implements coord.Store: create the key bound to the lease
// only if it has never been created (create revision zero), in one
// transaction. The else branch reads the current holder.
func (s *Store) TryAcquire(ctx context.Context, key, value string, id coord.LeaseID) (bool, string, error) {
	leaseID, err := decodeLeaseID(id)
	if err != nil {
		return false, "", err
	}
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(leaseID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, "", coord.ErrLeaseExpired
		}
		return false, "", unavailable(err)
	}
	if resp.Succeeded {
		return true, "", nil
	}
	holder := ""
	if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
		holder = string(rr.Kvs[0].Value)
	}
	return false, holder, nil
}

// Get implements coord.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, false, unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Ping implements coord.Store: endpoints are tried in order until one
// reports status.
func (s *Store) Ping(ctx context.Context) error {
	var lastErr error
	for _, ep := range s.endpoints {
		if _, err := s.cli.Status(ctx, ep); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return unavailable(lastErr)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", coord.ErrUnavailable, err)
}

func encodeLeaseID(id clientv3.LeaseID) coord.LeaseID {
	return coord.LeaseID(strconv.FormatInt(int64(id), 16))
}

func decodeLeaseID(id coord.LeaseID) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(string(id), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed lease id %q: %w", id, err)
	}
	return clientv3.LeaseID(v), nil
}
