package oxia

import (
	"context"
	"testing"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/datastore"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty service address", Config{Namespace: "tally"}, "service address is required"},
		{"empty namespace", Config{ServiceAddress: "localhost:6648"}, "namespace is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(context.Background(), tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestVersionMapping(t *testing.T) {
	assert.Equal(t, datastore.Version(1), fromOxiaVersion(0))
	assert.Equal(t, int64(0), toOxiaVersion(1))
	assert.Equal(t, int64(41), toOxiaVersion(fromOxiaVersion(41)))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "/a/c", prefixEnd("/a/b"))
	assert.Equal(t, "/b", prefixEnd("/a\xff"))
	assert.Equal(t, "", prefixEnd("\xff\xff"))
}

func TestDedupeKeepsLastWritePerKey(t *testing.T) {
	ops := []bufferedOp{
		{kind: opPut, key: "a", value: []byte("1")},
		{kind: opPut, key: "b", value: []byte("2")},
		{kind: opDelete, key: "a"},
	}
	out := dedupe(ops)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].key)
	assert.Equal(t, "a", out[1].key)
	assert.Equal(t, opDelete, out[1].kind)
}

func TestExpectedVersions(t *testing.T) {
	assert.Equal(t, oxiaclient.VersionIdNotExists, expectedFromState(keyState{}))
	assert.Equal(t, int64(4), expectedFromState(keyState{exists: true, version: 5}))
	assert.Equal(t, oxiaclient.VersionIdNotExists, expectedFromCaller(0))
	assert.Equal(t, int64(2), expectedFromCaller(3))
}

func TestCompensation(t *testing.T) {
	t.Run("all ok", func(t *testing.T) {
		resp := &proto.WriteResponse{
			Puts: []*proto.PutResponse{{Status: proto.Status_OK, Version: &proto.Version{VersionId: 1}}},
		}
		undo, conflict, err := compensation(resp, []applied{{key: "a"}}, nil, "p")
		require.NoError(t, err)
		assert.False(t, conflict)
		assert.Nil(t, undo)
	})

	t.Run("partial success is undone", func(t *testing.T) {
		resp := &proto.WriteResponse{
			Puts: []*proto.PutResponse{
				{Status: proto.Status_OK, Version: &proto.Version{VersionId: 7}},
				{Status: proto.Status_UNEXPECTED_VERSION_ID},
				{Status: proto.Status_OK, Version: &proto.Version{VersionId: 3}},
			},
			Deletes: []*proto.DeleteResponse{{Status: proto.Status_OK}},
		}
		puts := []applied{
			{key: "new", index: 0},
			{key: "stale", index: 1},
			{key: "old", index: 2, before: keyState{exists: true, value: []byte("prev"), version: 2}},
		}
		deletes := []applied{{key: "gone", delete: true, index: 0, before: keyState{exists: true, value: []byte("x")}}}

		undo, conflict, err := compensation(resp, puts, deletes, "p")
		require.NoError(t, err)
		assert.True(t, conflict)
		require.NotNil(t, undo)

		require.Len(t, undo.Deletes, 1)
		assert.Equal(t, "new", undo.Deletes[0].Key)
		assert.Equal(t, int64(7), *undo.Deletes[0].ExpectedVersionId)

		require.Len(t, undo.Puts, 2)
		assert.Equal(t, "old", undo.Puts[0].Key)
		assert.Equal(t, []byte("prev"), undo.Puts[0].Value)
		assert.Equal(t, int64(3), *undo.Puts[0].ExpectedVersionId)
		assert.Equal(t, "gone", undo.Puts[1].Key)
		assert.Equal(t, oxiaclient.VersionIdNotExists, *undo.Puts[1].ExpectedVersionId)
	})

	t.Run("nothing to undo", func(t *testing.T) {
		resp := &proto.WriteResponse{
			Puts: []*proto.PutResponse{{Status: proto.Status_UNEXPECTED_VERSION_ID}},
		}
		undo, conflict, err := compensation(resp, []applied{{key: "a"}}, nil, "p")
		require.NoError(t, err)
		assert.True(t, conflict)
		assert.Nil(t, undo)
	})
}

func TestToNotification(t *testing.T) {
	n, ok := toNotification(&oxiaclient.Notification{Type: oxiaclient.KeyCreated, Key: "/a", VersionId: 0})
	require.True(t, ok)
	assert.Equal(t, datastore.Notification{Key: "/a", Version: 1, Type: datastore.KeyCreated}, n)

	n, ok = toNotification(&oxiaclient.Notification{Type: oxiaclient.KeyModified, Key: "/a", VersionId: 4})
	require.True(t, ok)
	assert.Equal(t, datastore.KeyModified, n.Type)
	assert.Equal(t, datastore.Version(5), n.Version)

	n, ok = toNotification(&oxiaclient.Notification{Type: oxiaclient.KeyDeleted, Key: "/a"})
	require.True(t, ok)
	assert.Equal(t, datastore.KeyDeleted, n.Type)

	_, ok = toNotification(&oxiaclient.Notification{Type: oxiaclient.KeyRangeRangeDeleted, Key: "/a"})
	assert.True(t, ok)
}
