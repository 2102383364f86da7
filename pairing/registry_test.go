package pairing

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"hapkit/encoding/tlv8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func adminConn(r *Registry, id string) *testConn {
	p, _ := r.Get(id)
	return &testConn{remote: "10.0.0.2", peer: p}
}

func listIDs(t *testing.T, b []byte) []string {
	t.Helper()
	var ids []string
	rd := tlv8.NewReader(bytes.NewReader(b))
	for {
		item, err := rd.Next()
		if err != nil {
			break
		}
		if item.Type == 0x01 {
			ids = append(ids, string(item.Value))
		}
	}
	return ids
}

func TestRegistryHandle(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	conn := adminConn(r, "admin")

	resp, e := exchange[AddPairingResponse](t, r, conn, AddPairingRequest{
		State:    StateM1,
		Method:   MethodAdd,
		PairInfo: PairInfo{PairingID: "guest", LongTermPublicKey: key(2)},
	})
	require.Nil(t, e)
	assert.Equal(t, StateM2, resp.State)

	// Same key updates the permissions, a different key is refused.
	_, e = exchange[AddPairingResponse](t, r, conn, AddPairingRequest{
		State:    StateM1,
		Method:   MethodAdd,
		PairInfo: PairInfo{PairingID: "guest", LongTermPublicKey: key(2), Permissions: PermissionsAdmin},
	})
	require.Nil(t, e)
	g, _ := r.Get("guest")
	assert.True(t, g.Admin())
	_, e = exchange[AddPairingResponse](t, r, conn, AddPairingRequest{
		State:    StateM1,
		Method:   MethodAdd,
		PairInfo: PairInfo{PairingID: "guest", LongTermPublicKey: key(3)},
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorUnknown, e.Error)

	out, err := r.Handle(WithConn(t.Context(), conn), mustMarshal(t, ListPairingRequest{State: StateM1, Method: MethodList}))
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "guest"}, listIDs(t, out))

	_, e = exchange[RemovePairingResponse](t, r, conn, RemovePairingRequest{
		State:    StateM1,
		Method:   MethodRemove,
		PairInfo: PairInfo{PairingID: "nobody"},
	})
	assert.Nil(t, e, "removing an unknown pairing succeeds")
}

func mustMarshal(t *testing.T, v any) []byte {
	b, err := tlv8.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRegistryHandleRequiresAdmin(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	require.NoError(t, r.Add(&PairInfo{PairingID: "guest", LongTermPublicKey: key(2)}))

	for name, conn := range map[string]*testConn{
		"unverified": {remote: "10.0.0.3"},
		"regular":    adminConn(r, "guest"),
	} {
		t.Run(name, func(t *testing.T) {
			_, e := exchange[AddPairingResponse](t, r, conn, AddPairingRequest{
				State:    StateM1,
				Method:   MethodAdd,
				PairInfo: PairInfo{PairingID: "x", LongTermPublicKey: key(9)},
			})
			require.NotNil(t, e)
			assert.Equal(t, ErrorAuthentication, e.Error)
			_, ok := r.Get("x")
			assert.False(t, ok)
		})
	}
}

func TestRegistryRemoveLastAdmin(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	var removed []string
	var changes []bool
	r.OnRemove(func(id string) { removed = append(removed, id) })
	r.OnChange(func(paired bool) { changes = append(changes, paired) })

	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	require.NoError(t, r.Add(&PairInfo{PairingID: "guest", LongTermPublicKey: key(2)}))
	assert.ErrorIs(t, r.Add(&PairInfo{PairingID: "guest", LongTermPublicKey: key(2)}), ErrAlreadyPaired)
	assert.Equal(t, []bool{true}, changes)

	_, e := exchange[RemovePairingResponse](t, r, adminConn(r, "admin"), RemovePairingRequest{
		State:    StateM1,
		Method:   MethodRemove,
		PairInfo: PairInfo{PairingID: "admin"},
	})
	require.Nil(t, e)
	assert.False(t, r.Paired())
	assert.ElementsMatch(t, []string{"admin", "guest"}, removed)
	assert.Equal(t, []bool{true, false}, changes)
	assert.ErrorIs(t, r.Remove("admin"), ErrUnknownPeer)
}

func TestRegistryAddInvalid(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.Error(t, r.Add(&PairInfo{PairingID: "", LongTermPublicKey: key(1)}))
	assert.Error(t, r.Add(&PairInfo{PairingID: "short", LongTermPublicKey: []byte{1}}))
	assert.False(t, r.Paired())
}

func TestRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	r, err := NewRegistry(fs)
	require.NoError(t, err)
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	r2, err := NewRegistry(fs2)
	require.NoError(t, err)
	p, ok := r2.Get("admin")
	require.True(t, ok)
	assert.Equal(t, key(1), p.LongTermPublicKey)
	assert.True(t, p.Admin())
}

// flakyStore wraps a MemoryStore and fails saves while broken is set.
type flakyStore struct {
	MemoryStore
	broken bool
}

func (s *flakyStore) SavePairings(pairs []*PairInfo) error {
	if s.broken {
		return errors.New("disk full")
	}
	return s.MemoryStore.SavePairings(pairs)
}

func TestRegistrySaveFailure(t *testing.T) {
	store := &flakyStore{broken: true}
	r, err := NewRegistry(store)
	require.NoError(t, err)
	var changes []bool
	r.OnChange(func(paired bool) { changes = append(changes, paired) })

	assert.Error(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	assert.False(t, r.Paired())
	assert.Empty(t, changes)

	store.broken = false
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	var removed []string
	r.OnRemove(func(id string) { removed = append(removed, id) })

	store.broken = true
	assert.Error(t, r.Remove("admin"))
	assert.True(t, r.Paired())
	assert.Empty(t, removed)
	assert.Equal(t, []bool{true}, changes)

	saved, err := store.LoadPairings()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "admin", saved[0].PairingID)
}

func TestRegistryUpdateReplacesEntry(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(1), Permissions: PermissionsAdmin}))
	require.NoError(t, r.Add(&PairInfo{PairingID: "guest", LongTermPublicKey: key(2)}))
	before, ok := r.Get("guest")
	require.True(t, ok)

	_, e := exchange[AddPairingResponse](t, r, adminConn(r, "admin"), AddPairingRequest{
		State:    StateM1,
		Method:   MethodAdd,
		PairInfo: PairInfo{PairingID: "guest", LongTermPublicKey: key(2), Permissions: PermissionsAdmin},
	})
	require.Nil(t, e)
	assert.False(t, before.Admin(), "an entry handed out earlier is not mutated")
	after, ok := r.Get("guest")
	require.True(t, ok)
	assert.True(t, after.Admin())

	// A session verified before the promotion acts with the new permissions.
	stale := &testConn{remote: "10.0.0.4", peer: before}
	out, err := r.Handle(WithConn(t.Context(), stale), mustMarshal(t, ListPairingRequest{State: StateM1, Method: MethodList}))
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "guest"}, listIDs(t, out))
}

func TestRegistryFull(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(&PairInfo{PairingID: "admin", LongTermPublicKey: key(0), Permissions: PermissionsAdmin}))
	for i := 1; i < MaxPairings; i++ {
		require.NoError(t, r.Add(&PairInfo{PairingID: fmt.Sprintf("guest%d", i), LongTermPublicKey: key(byte(i))}))
	}
	_, e := exchange[AddPairingResponse](t, r, adminConn(r, "admin"), AddPairingRequest{
		State:    StateM1,
		Method:   MethodAdd,
		PairInfo: PairInfo{PairingID: "one-too-many", LongTermPublicKey: key(99)},
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorMaxPeers, e.Error)
	assert.Len(t, r.List(), MaxPairings)
}
