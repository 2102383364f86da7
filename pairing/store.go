package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// Store persists the controllers paired with the accessory.
type Store interface {
	LoadPairings() ([]*PairInfo, error)
	SavePairings([]*PairInfo) error
}

// MemoryStore is a Store that forgets everything on restart.
type MemoryStore struct {
	mu    sync.Mutex
	pairs []*PairInfo
}

func (s *MemoryStore) LoadPairings() ([]*PairInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePairs(s.pairs), nil
}

func (s *MemoryStore) SavePairings(pairs []*PairInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = clonePairs(pairs)
	return nil
}

func clonePairs(pairs []*PairInfo) []*PairInfo {
	out := make([]*PairInfo, len(pairs))
	for i, p := range pairs {
		c := *p
		out[i] = &c
	}
	return out
}

const (
	pairingsFile = "pairings.cbor"
	identityFile = "identity.cbor"
)

type pairingRecord struct {
	ID          string      `cbor:"id"`
	PublicKey   []byte      `cbor:"ltpk"`
	Permissions Permissions `cbor:"perms"`
}

// Identity is the accessory's long-term identity.
type Identity struct {
	DeviceID   string             `cbor:"device_id"`
	PrivateKey ed25519.PrivateKey `cbor:"ltsk"`
}

// FileStore keeps pairings and the accessory identity as CBOR files in a
// directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadPairings() ([]*PairInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []pairingRecord
	if err := s.read(pairingsFile, &recs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	pairs := make([]*PairInfo, len(recs))
	for i, r := range recs {
		pairs[i] = &PairInfo{PairingID: r.ID, LongTermPublicKey: r.PublicKey, Permissions: r.Permissions}
	}
	return pairs, nil
}

func (s *FileStore) SavePairings(pairs []*PairInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]pairingRecord, len(pairs))
	for i, p := range pairs {
		recs[i] = pairingRecord{ID: p.PairingID, PublicKey: p.LongTermPublicKey, Permissions: p.Permissions}
	}
	return s.write(pairingsFile, recs)
}

// LoadOrCreateIdentity returns the stored accessory identity, generating
// and storing a new one on first use.
func (s *FileStore) LoadOrCreateIdentity() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id Identity
	err := s.read(identityFile, &id)
	if err == nil {
		if len(id.PrivateKey) != ed25519.PrivateKeySize || id.DeviceID == "" {
			return nil, fmt.Errorf("pairing: corrupt identity in %s", filepath.Join(s.dir, identityFile))
		}
		return &id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	nid, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := s.write(identityFile, nid); err != nil {
		return nil, err
	}
	glog.Infof("pairing: created accessory identity %s", nid.DeviceID)
	return nid, nil
}

// NewIdentity generates a random device id and long-term key pair.
func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Identity{
		DeviceID: fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
			b[0], b[1], b[2], b[3], b[4], b[5]),
		PrivateKey: priv,
	}, nil
}

func (s *FileStore) read(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("pairing: decode %s: %w", name, err)
	}
	return nil
}

// write replaces the file atomically.
func (s *FileStore) write(name string, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(s.dir, name))
}
