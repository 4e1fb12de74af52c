package oxia

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	"google.golang.org/grpc/metadata"
)

const assignmentRetryDelay = 200 * time.Millisecond

// batchWriter sends write batches straight to a shard leader. The public
// client has no multi-key write, so transactions go through here.
type batchWriter struct {
	namespace string
	pool      rpc.ClientPool
	router    *shardRouter
}

func newBatchWriter(ctx context.Context, cfg Config) (*batchWriter, error) {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = rpc.DefaultRpcTimeout
	}

	pool := rpc.NewClientPool(nil, nil)
	router := &shardRouter{
		hashFunc:  hash.Xxh332,
		namespace: cfg.Namespace,
		address:   cfg.ServiceAddress,
		pool:      pool,
		ready:     make(chan struct{}),
	}
	router.ctx, router.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go router.watch()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-router.ready:
	case <-waitCtx.Done():
		router.cancel()
		_ = pool.Close()
		return nil, fmt.Errorf("oxia: waiting for shard assignments: %w", waitCtx.Err())
	}

	return &batchWriter{namespace: cfg.Namespace, pool: pool, router: router}, nil
}

func (w *batchWriter) Close() error {
	if w == nil {
		return nil
	}
	w.router.cancel()
	return w.pool.Close()
}

// shardFor returns the shard that owns a partition key.
func (w *batchWriter) shardFor(partition string) (int64, error) {
	return w.router.lookup(partition)
}

func (w *batchWriter) write(ctx context.Context, shardID int64, req *proto.WriteRequest) (*proto.WriteResponse, error) {
	leader, err := w.router.leader(shardID)
	if err != nil {
		return nil, err
	}
	client, err := w.pool.GetClientRpc(leader)
	if err != nil {
		return nil, err
	}

	req.Shard = &shardID
	ctx = metadata.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, w.namespace,
		constant.MetadataShardId, strconv.FormatInt(shardID, 10),
	)
	return client.Write(ctx, req)
}

type shardInfo struct {
	leader  string
	minHash uint32
	maxHash uint32
}

// shardRouter tracks the namespace shard assignments pushed by the service.
type shardRouter struct {
	hashFunc  func(string) uint32
	namespace string
	address   string
	pool      rpc.ClientPool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	shards    map[int64]shardInfo
	ready     chan struct{}
	readyOnce sync.Once
}

func (r *shardRouter) watch() {
	for r.ctx.Err() == nil {
		err := r.follow()
		if errors.Is(err, context.Canceled) || r.ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(assignmentRetryDelay):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *shardRouter) follow() error {
	client, err := r.pool.GetClientRpc(r.address)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(r.ctx, &proto.ShardAssignmentsRequest{Namespace: r.namespace})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		ns, ok := resp.Namespaces[r.namespace]
		if !ok {
			continue
		}
		if ns.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", ns.ShardKeyRouter)
		}

		shards := make(map[int64]shardInfo, len(ns.Assignments))
		for _, a := range ns.Assignments {
			rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
			if !ok {
				return errors.New("oxia: unknown shard boundary type")
			}
			shards[a.Shard] = shardInfo{
				leader:  a.Leader,
				minHash: rng.Int32HashRange.MinHashInclusive,
				maxHash: rng.Int32HashRange.MaxHashInclusive,
			}
		}

		r.mu.Lock()
		r.shards = shards
		r.mu.Unlock()
		r.readyOnce.Do(func() { close(r.ready) })
	}
}

func (r *shardRouter) lookup(partition string) (int64, error) {
	h := r.hashFunc(partition)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.shards {
		if s.minHash <= h && h <= s.maxHash {
			return id, nil
		}
	}
	return 0, errors.New("oxia: no shard owns partition")
}

func (r *shardRouter) leader(shardID int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[shardID]
	if !ok {
		return "", errors.New("oxia: shard leader not found")
	}
	return s.leader, nil
}
