// Package oxia implements datastore.Store on top of Oxia.
//
// Every key is routed by a partition key (Config.Partition) so that rows that
// are written together in one transaction land on the same shard. A metric and
// its history entries share a partition, as do all order entries of one user.
//
// Transactions use Oxia's shard-scoped write batch: the batch is applied on the
// shard leader in one request, and any version conflict is compensated before
// datastore.ErrTxnConflict is returned.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "tally",
//	    Partition:      keys.Partition,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tally-io/tally/internal/datastore"
)

// Config configures the Oxia store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key.
	Namespace string

	// RequestTimeout bounds individual requests. Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout is the client session timeout. Default: 15 seconds.
	SessionTimeout time.Duration

	// Partition maps a key to its partition key. Nil routes each key by itself.
	Partition func(key string) string
}

// Store implements datastore.Store using Oxia.
type Store struct {
	client    oxiaclient.SyncClient
	batches   *batchWriter
	partition func(string) string

	mu     sync.RWMutex
	closed bool
}

// New connects to Oxia.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	batches, err := newBatchWriter(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("oxia: failed to create batch writer: %w", err)
	}

	partition := cfg.Partition
	if partition == nil {
		partition = func(key string) string { return key }
	}

	return &Store{client: client, batches: batches, partition: partition}, nil
}

// Oxia versions start at 0; datastore versions start at 1 so that 0 can mean
// "absent".
func fromOxiaVersion(v int64) datastore.Version {
	return datastore.Version(v + 1)
}

func toOxiaVersion(v datastore.Version) int64 {
	return int64(v - 1)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return datastore.ErrStoreClosed
	}
	return nil
}

// wrapErr maps transport failures to datastore.ErrUnavailable.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("oxia: %s failed: %w: %v", op, datastore.ErrUnavailable, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return fmt.Errorf("oxia: %s failed: %w: %v", op, datastore.ErrUnavailable, err)
	}
	return fmt.Errorf("oxia: %s failed: %w", op, err)
}

func (s *Store) Get(ctx context.Context, key string) (datastore.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return datastore.GetResult{}, err
	}

	_, value, version, err := s.client.Get(ctx, key, oxiaclient.PartitionKey(s.partition(key)))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return datastore.GetResult{Exists: false}, nil
		}
		return datastore.GetResult{}, wrapErr("get", err)
	}
	return datastore.GetResult{
		Value:   value,
		Version: fromOxiaVersion(version.VersionId),
		Exists:  true,
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...datastore.PutOption) (datastore.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.PartitionKey(s.partition(key))}
	if ev := datastore.ExtractExpectedVersion(opts); ev != nil {
		if *ev == 0 {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*ev)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, datastore.ErrVersionMismatch
		}
		return 0, wrapErr("put", err)
	}
	return fromOxiaVersion(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...datastore.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	oxiaOpts := []oxiaclient.DeleteOption{oxiaclient.PartitionKey(s.partition(key))}
	if ev := datastore.ExtractDeleteExpectedVersion(opts); ev != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*ev)))
	}

	if err := s.client.Delete(ctx, key, oxiaOpts...); err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return nil
		}
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return datastore.ErrVersionMismatch
		}
		return wrapErr("delete", err)
	}
	return nil
}

// List scans [startKey, endKey). With an empty endKey it lists the direct
// children of startKey using Oxia's hierarchical "//" end-key convention.
// Prefixes that belong to a single partition are scanned on that shard only.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]datastore.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	var scanOpts []oxiaclient.RangeScanOption
	if p := s.partition(startKey); p != startKey {
		scanOpts = append(scanOpts, oxiaclient.PartitionKey(p))
	}

	results := s.client.RangeScan(ctx, startKey, endKey, scanOpts...)

	var kvs []datastore.KV
	for result := range results {
		if result.Err != nil {
			go drainRangeScan(results)
			return nil, wrapErr("list", result.Err)
		}
		kvs = append(kvs, datastore.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: fromOxiaVersion(result.Version.VersionId),
		})
		if limit > 0 && len(kvs) >= limit {
			go drainRangeScan(results)
			break
		}
	}
	return kvs, nil
}

func (s *Store) Txn(ctx context.Context, scopeKey string, fn func(datastore.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	txn := newTransaction(ctx, s, s.partition(scopeKey))
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

func (s *Store) Notifications(ctx context.Context) (datastore.NotificationStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, wrapErr("notifications", err)
	}
	return &notificationStream{notifications: n, ctx: ctx}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	batchErr := s.batches.Close()
	clientErr := s.client.Close()
	if batchErr != nil {
		return batchErr
	}
	return clientErr
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ datastore.Store = (*Store)(nil)
