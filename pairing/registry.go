package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"hapkit"
	"hapkit/encoding/tlv8"

	"github.com/golang/glog"
)

var (
	ErrAlreadyPaired = errors.New("already paired")
	ErrUnknownPeer   = errors.New("unknown peer")
)

// Registry holds the controllers paired with the accessory and backs the
// /pairings endpoint.
type Registry struct {
	store Store

	mu       sync.Mutex
	peers    map[string]*PairInfo
	onRemove []func(pairingID string)
	onChange []func(paired bool)
}

// NewRegistry loads the pairings kept in store. A nil store keeps pairings in
// memory only.
func NewRegistry(store Store) (*Registry, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	pairs, err := store.LoadPairings()
	if err != nil {
		return nil, fmt.Errorf("pairing: load pairings: %w", err)
	}
	r := &Registry{
		store: store,
		peers: make(map[string]*PairInfo),
	}
	for _, p := range pairs {
		r.peers[p.PairingID] = p
	}
	return r, nil
}

// OnRemove registers fn to be called with the id of every removed pairing,
// so that its live sessions can be torn down.
func (r *Registry) OnRemove(fn func(pairingID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// OnChange registers fn to be called when the accessory becomes paired or
// unpaired.
func (r *Registry) OnChange(fn func(paired bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

type pairEditRequest struct {
	State  State  `tlv:"06"`
	Method Method `tlv:"00"`
}

// Handle serves a pairings request. Only admin controllers on a verified
// session may add, remove or list pairings; failures are reported to the
// controller as TLV errors.
func (r *Registry) Handle(ctx context.Context, req []byte) ([]byte, error) {
	var pr pairEditRequest
	if err := tlv8.Unmarshal(req, &pr); err != nil {
		return nil, err
	}
	conn, ok := FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no conn found in context")
	}
	if !r.isAdmin(conn) {
		glog.Warningf("pairings: %s: method %d refused, not an admin", conn.RemoteIdentity(), pr.Method)
		return tlv8.Marshal(ErrorResponse{State: StateM2, Error: ErrorAuthentication})
	}
	switch pr.Method {
	case MethodAdd:
		return call(r.handleAdd, req)
	case MethodRemove:
		return call(r.handleRemove, req)
	case MethodList:
		return call(r.handleList, req)
	default:
		return nil, fmt.Errorf("unknown method: %v", pr.Method)
	}
}

// isAdmin checks the current permissions of the controller behind conn; the
// session's own copy predates any later permission change.
func (r *Registry) isAdmin(conn Conn) bool {
	peer, ok := conn.Peer()
	if !ok {
		return false
	}
	p, ok := r.Get(peer.PairingID)
	return ok && p.Admin()
}

func (r *Registry) Get(id string) (*PairInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Paired reports whether at least one controller is paired.
func (r *Registry) Paired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) > 0
}

func (r *Registry) handleAdd(req *AddPairingRequest) (*AddPairingResponse, error) {
	err := r.Add(&req.PairInfo)
	if errors.Is(err, ErrAlreadyPaired) {
		err = r.update(&req.PairInfo)
	}
	if err != nil {
		glog.Warningf("pairings: add %s: %v", req.PairingID, err)
		code := ErrorUnknown
		errors.As(err, &code)
		return &AddPairingResponse{State: StateM2, Error: code}, nil
	}
	return &AddPairingResponse{
		State: StateM2,
	}, nil
}

// Add pairs a new controller. The pairing only takes effect once the store
// has accepted it.
func (r *Registry) Add(p *PairInfo) error {
	if p.PairingID == "" || len(p.LongTermPublicKey) != 32 {
		return fmt.Errorf("invalid pairing %q: %w", p.PairingID, hapkit.ErrFormat)
	}
	r.mu.Lock()
	if _, ok := r.peers[p.PairingID]; ok {
		r.mu.Unlock()
		return ErrAlreadyPaired
	}
	if len(r.peers) >= MaxPairings {
		r.mu.Unlock()
		return ErrorMaxPeers
	}
	wasPaired := len(r.peers) > 0
	next := maps.Clone(r.peers)
	next[p.PairingID] = &PairInfo{
		PairingID:         p.PairingID,
		LongTermPublicKey: bytes.Clone(p.LongTermPublicKey),
		Permissions:       p.Permissions,
	}
	err := r.commitLocked(next)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	glog.Infof("pairings: added %s (admin=%v)", p.PairingID, p.Admin())
	if !wasPaired {
		r.changed(true)
	}
	return nil
}

// update changes the permissions of an existing pairing. The long-term key
// must match. Stored entries are never mutated, so a *PairInfo handed out
// earlier keeps describing the pairing as it was.
func (r *Registry) update(p *PairInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.peers[p.PairingID]
	if !ok {
		return ErrUnknownPeer
	}
	if !bytes.Equal(old.LongTermPublicKey, p.LongTermPublicKey) {
		return fmt.Errorf("pairing %s: long-term key mismatch", p.PairingID)
	}
	next := maps.Clone(r.peers)
	next[p.PairingID] = &PairInfo{
		PairingID:         old.PairingID,
		LongTermPublicKey: old.LongTermPublicKey,
		Permissions:       p.Permissions,
	}
	return r.commitLocked(next)
}

func (r *Registry) handleRemove(req *RemovePairingRequest) (*RemovePairingResponse, error) {
	if err := r.Remove(req.PairingID); err != nil && !errors.Is(err, ErrUnknownPeer) {
		glog.Warningf("pairings: remove %s: %v", req.PairingID, err)
		return &RemovePairingResponse{State: StateM2, Error: ErrorUnknown}, nil
	}
	return &RemovePairingResponse{
		State: StateM2,
	}, nil
}

// Remove unpairs a controller. Removing the last admin removes every
// pairing, returning the accessory to the unpaired state. Nothing changes
// if the store rejects the result.
func (r *Registry) Remove(pairingID string) error {
	r.mu.Lock()
	if _, ok := r.peers[pairingID]; !ok {
		r.mu.Unlock()
		return ErrUnknownPeer
	}
	next := maps.Clone(r.peers)
	delete(next, pairingID)
	removed := []string{pairingID}
	if !hasAdmin(next) {
		for id := range next {
			removed = append(removed, id)
		}
		clear(next)
	}
	err := r.commitLocked(next)
	fns := r.onRemove
	unpaired := len(r.peers) == 0
	r.mu.Unlock()
	if err != nil {
		return err
	}

	for _, id := range removed {
		glog.Infof("pairings: removed %s", id)
		for _, fn := range fns {
			fn(id)
		}
	}
	if unpaired {
		r.changed(false)
	}
	return nil
}

func hasAdmin(peers map[string]*PairInfo) bool {
	for _, p := range peers {
		if p.Admin() {
			return true
		}
	}
	return false
}

// commitLocked persists next and installs it as the pairing set.
func (r *Registry) commitLocked(next map[string]*PairInfo) error {
	pairs := make([]*PairInfo, 0, len(next))
	for _, p := range next {
		pairs = append(pairs, p)
	}
	if err := r.store.SavePairings(pairs); err != nil {
		return fmt.Errorf("pairing: save pairings: %w", err)
	}
	r.peers = next
	return nil
}

func (r *Registry) changed(paired bool) {
	r.mu.Lock()
	fns := r.onChange
	r.mu.Unlock()
	for _, fn := range fns {
		fn(paired)
	}
}

func (r *Registry) handleList(req *ListPairingRequest) (*ListPairingResponse, error) {
	return &ListPairingResponse{
		State: StateM2,
		Pairs: r.List(),
	}, nil
}

func (r *Registry) List() []*PairInfo {
	r.mu.Lock()
	var peers []*PairInfo
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PairingID < peers[j].PairingID
	})
	return peers
}
