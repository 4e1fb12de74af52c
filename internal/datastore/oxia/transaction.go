package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/tally-io/tally/internal/datastore"
)

type opKind int

const (
	opPut opKind = iota
	opPutVersioned
	opDelete
	opDeleteVersioned
)

type bufferedOp struct {
	kind            opKind
	key             string
	value           []byte
	expectedVersion datastore.Version
}

type keyState struct {
	value   []byte
	version datastore.Version
	exists  bool
}

// transaction buffers writes for one partition and commits them as a single
// shard write batch. Every write carries an expected version: either the one
// the caller supplied or the one observed when the key was first read, so a
// concurrent writer turns into a conflict rather than a lost update.
type transaction struct {
	ctx       context.Context
	store     *Store
	partition string
	ops       []bufferedOp
	observed  map[string]keyState
}

func newTransaction(ctx context.Context, s *Store, partition string) *transaction {
	return &transaction{
		ctx:       ctx,
		store:     s,
		partition: partition,
		observed:  make(map[string]keyState),
	}
}

func (t *transaction) Get(key string) ([]byte, datastore.Version, error) {
	st, err := t.state(key)
	if err != nil {
		return nil, 0, err
	}
	if !st.exists {
		return nil, 0, datastore.ErrKeyNotFound
	}
	return st.value, st.version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.ops = append(t.ops, bufferedOp{kind: opPut, key: key, value: value})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion datastore.Version) {
	t.ops = append(t.ops, bufferedOp{kind: opPutVersioned, key: key, value: value, expectedVersion: expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.ops = append(t.ops, bufferedOp{kind: opDelete, key: key})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion datastore.Version) {
	t.ops = append(t.ops, bufferedOp{kind: opDeleteVersioned, key: key, expectedVersion: expectedVersion})
}

func (t *transaction) state(key string) (keyState, error) {
	if st, ok := t.observed[key]; ok {
		return st, nil
	}
	_, value, version, err := t.store.client.Get(t.ctx, key, oxiaclient.PartitionKey(t.partition))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			t.observed[key] = keyState{}
			return keyState{}, nil
		}
		return keyState{}, wrapErr("txn read", err)
	}
	st := keyState{value: value, version: fromOxiaVersion(version.VersionId), exists: true}
	t.observed[key] = st
	return st, nil
}

// applied is a write that made it into the batch, kept for compensation.
type applied struct {
	key    string
	delete bool
	before keyState
	index  int
}

func (t *transaction) commit() error {
	if len(t.ops) == 0 {
		return nil
	}

	batch := &proto.WriteRequest{}
	var puts, deletes []applied
	partition := t.partition

	// Later writes to the same key replace earlier ones.
	ops := dedupe(t.ops)

	for _, op := range ops {
		before, err := t.state(op.key)
		if err != nil {
			return err
		}

		switch op.kind {
		case opPut, opPutVersioned:
			expected := expectedFromState(before)
			if op.kind == opPutVersioned {
				expected = expectedFromCaller(op.expectedVersion)
			}
			batch.Puts = append(batch.Puts, &proto.PutRequest{
				Key:               op.key,
				Value:             op.value,
				ExpectedVersionId: &expected,
				PartitionKey:      &partition,
			})
			puts = append(puts, applied{key: op.key, before: before, index: len(batch.Puts) - 1})

		case opDelete, opDeleteVersioned:
			if !before.exists {
				continue
			}
			expected := toOxiaVersion(before.version)
			if op.kind == opDeleteVersioned {
				expected = expectedFromCaller(op.expectedVersion)
			}
			batch.Deletes = append(batch.Deletes, &proto.DeleteRequest{
				Key:               op.key,
				ExpectedVersionId: &expected,
			})
			deletes = append(deletes, applied{key: op.key, delete: true, before: before, index: len(batch.Deletes) - 1})
		}
	}

	if len(batch.Puts) == 0 && len(batch.Deletes) == 0 {
		return nil
	}

	shard, err := t.store.batches.shardFor(partition)
	if err != nil {
		return fmt.Errorf("oxia: transaction shard lookup failed: %w", err)
	}

	resp, err := t.store.batches.write(t.ctx, shard, batch)
	if err != nil {
		return wrapErr("transaction commit", err)
	}
	if len(resp.Puts) != len(batch.Puts) || len(resp.Deletes) != len(batch.Deletes) {
		return errors.New("oxia: transaction commit response mismatch")
	}

	undo, conflict, err := compensation(resp, puts, deletes, partition)
	if err != nil || !conflict {
		return err
	}
	if undo != nil {
		if _, err := t.store.batches.write(t.ctx, shard, undo); err != nil {
			return fmt.Errorf("%w: compensation failed: %v", datastore.ErrTxnConflict, err)
		}
	}
	return datastore.ErrTxnConflict
}

func dedupe(ops []bufferedOp) []bufferedOp {
	last := make(map[string]int, len(ops))
	for i, op := range ops {
		last[op.key] = i
	}
	out := make([]bufferedOp, 0, len(last))
	for i, op := range ops {
		if last[op.key] == i {
			out = append(out, op)
		}
	}
	return out
}

func expectedFromState(st keyState) int64 {
	if st.exists {
		return toOxiaVersion(st.version)
	}
	return oxiaclient.VersionIdNotExists
}

func expectedFromCaller(v datastore.Version) int64 {
	if v == 0 {
		return oxiaclient.VersionIdNotExists
	}
	return toOxiaVersion(v)
}

// compensation inspects a batch response. When any write was rejected it
// returns a batch that restores the writes that did succeed to their prior
// state.
func compensation(resp *proto.WriteResponse, puts, deletes []applied, partition string) (*proto.WriteRequest, bool, error) {
	conflict := false
	for _, p := range puts {
		if resp.Puts[p.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	for _, d := range deletes {
		if resp.Deletes[d.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	if !conflict {
		return nil, false, nil
	}

	undo := &proto.WriteRequest{}
	for _, p := range puts {
		r := resp.Puts[p.index]
		if r.Status != proto.Status_OK {
			continue
		}
		if r.Version == nil {
			return nil, true, errors.New("oxia: transaction commit returned empty version")
		}
		written := r.Version.VersionId
		if p.before.exists {
			undo.Puts = append(undo.Puts, &proto.PutRequest{
				Key:               p.key,
				Value:             p.before.value,
				ExpectedVersionId: &written,
				PartitionKey:      &partition,
			})
		} else {
			undo.Deletes = append(undo.Deletes, &proto.DeleteRequest{
				Key:               p.key,
				ExpectedVersionId: &written,
			})
		}
	}
	for _, d := range deletes {
		if resp.Deletes[d.index].Status != proto.Status_OK {
			continue
		}
		absent := oxiaclient.VersionIdNotExists
		undo.Puts = append(undo.Puts, &proto.PutRequest{
			Key:               d.key,
			Value:             d.before.value,
			ExpectedVersionId: &absent,
			PartitionKey:      &partition,
		})
	}

	if len(undo.Puts) == 0 && len(undo.Deletes) == 0 {
		return nil, true, nil
	}
	return undo, true, nil
}
