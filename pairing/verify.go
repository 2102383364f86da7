package pairing

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"hapkit/crypto/cryptoutil"
	"hapkit/encoding/tlv8"

	"github.com/golang/glog"
)

var curve25519 = ecdh.X25519()

// VerifySession handles the accessory-side pair verify of one connection.
type VerifySession struct {
	di         *DeviceInfo
	knownPeers *Registry

	state        State // next expected request
	privateKey   *ecdh.PrivateKey
	ctlPublicKey *ecdh.PublicKey
	sharedSecret []byte
	aead         cipher.AEAD
}

func NewVerifySession(di *DeviceInfo, r *Registry) *VerifySession {
	return &VerifySession{
		di:         di,
		knownPeers: r,

		state: StateM1,
	}
}

func (s *VerifySession) Handle(ctx context.Context, req []byte) ([]byte, error) {
	conn, ok := FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no conn found in context")
	}
	var pr pairSetupRequest
	if err := tlv8.Unmarshal(req, &pr); err != nil {
		return nil, err
	}
	var b []byte
	var err error
	switch pr.State {
	case StateM1:
		b, err = call(s.handleStart, req)
	case StateM3:
		if s.state != StateM3 {
			err = fail(StateM4, ErrorUnknown, errors.New("M3 before M1"))
			break
		}
		b, err = call(func(r *VerifyFinishRequest) (*VerifyFinishResponse, error) {
			return s.handleFinish(conn, r)
		}, req)
	default:
		return nil, fmt.Errorf("unknown state: %d", pr.State)
	}
	if err != nil {
		s.reset()
	}
	return reply(conn.RemoteIdentity(), b, err)
}

func (s *VerifySession) reset() {
	s.state = StateM1
	s.privateKey = nil
	s.ctlPublicKey = nil
	s.sharedSecret = nil
	s.aead = nil
}

func (s *VerifySession) handleStart(req *VerifyStartRequest) (*VerifyStartResponse, error) {
	s.reset()
	pub, err := curve25519.NewPublicKey(req.PublicKey)
	if err != nil {
		return nil, fail(StateM2, ErrorAuthentication, err)
	}
	pri, err := curve25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := pri.ECDH(pub)
	if err != nil {
		return nil, fail(StateM2, ErrorAuthentication, err)
	}
	s.privateKey = pri
	s.ctlPublicKey = pub
	s.sharedSecret = sharedSecret
	s.aead = cryptoutil.PairVerifyEncrypt.AEAD(sharedSecret)
	submsg, err := tlv8.Marshal(PairInfo{
		PairingID: s.di.DeviceID,
		Signature: ed25519.Sign(s.di.PrivateKey, bytes.Join([][]byte{
			pri.PublicKey().Bytes(),
			[]byte(s.di.DeviceID),
			req.PublicKey,
		}, nil)),
	})
	if err != nil {
		return nil, err
	}
	s.state = StateM3
	return &VerifyStartResponse{
		State:         StateM2,
		PublicKey:     pri.PublicKey().Bytes(),
		EncryptedData: s.aead.Seal(nil, cryptoutil.Nonce("PV-Msg02"), submsg, nil),
	}, nil
}

func (s *VerifySession) handleFinish(conn Conn, req *VerifyFinishRequest) (*VerifyFinishResponse, error) {
	submsg, err := s.aead.Open(nil, cryptoutil.Nonce("PV-Msg03"), req.EncryptedData, nil)
	if err != nil {
		return nil, fail(StateM4, ErrorAuthentication, err)
	}
	var ctlInfo PairInfo
	if err := tlv8.Unmarshal(submsg, &ctlInfo); err != nil {
		return nil, fail(StateM4, ErrorAuthentication, err)
	}
	peer, ok := s.knownPeers.Get(ctlInfo.PairingID)
	if !ok {
		return nil, fail(StateM4, ErrorAuthentication, fmt.Errorf("unknown peer: %s", ctlInfo.PairingID))
	}
	if !ed25519.Verify(peer.LongTermPublicKey, bytes.Join([][]byte{
		s.ctlPublicKey.Bytes(),
		[]byte(ctlInfo.PairingID),
		s.privateKey.PublicKey().Bytes(),
	}, nil), ctlInfo.Signature) {
		return nil, fail(StateM4, ErrorAuthentication, errors.New("invalid signature"))
	}
	glog.Infof("%s: verified controller %s", conn.RemoteIdentity(), ctlInfo.PairingID)
	conn.Upgrade(peer, s.sharedSecret)
	s.state = StateM1
	return &VerifyFinishResponse{
		State: StateM4,
	}, nil
}
