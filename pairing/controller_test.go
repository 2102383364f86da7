package pairing

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"hapkit/crypto/cryptoutil"
	"hapkit/crypto/srp"
	"hapkit/encoding/tlv8"

	"github.com/stretchr/testify/require"
)

type testConn struct {
	remote string
	peer   *PairInfo
	secret []byte
}

func (c *testConn) RemoteIdentity() string { return c.remote }

func (c *testConn) Upgrade(peer *PairInfo, secret []byte) {
	c.peer = peer
	c.secret = secret
}

func (c *testConn) Peer() (*PairInfo, bool) { return c.peer, c.peer != nil }

type handler interface {
	Handle(ctx context.Context, req []byte) ([]byte, error)
}

// exchange sends req through h and decodes the reply into Resp, or returns
// the TLV error the accessory replied with.
func exchange[Resp any](t *testing.T, h handler, conn Conn, req any) (*Resp, *ErrorResponse) {
	t.Helper()
	b, err := tlv8.Marshal(req)
	require.NoError(t, err)
	out, err := h.Handle(WithConn(context.Background(), conn), b)
	require.NoError(t, err)
	var e ErrorResponse
	require.NoError(t, tlv8.Unmarshal(out, &e))
	if e.Error != ErrorReserved {
		return nil, &e
	}
	var resp Resp
	require.NoError(t, tlv8.Unmarshal(out, &resp))
	return &resp, nil
}

// controller plays the iOS side of pair-setup and pair-verify.
type controller struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newController(t *testing.T, id string) *controller {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &controller{id: id, pub: pub, priv: priv}
}

func testDevice(t *testing.T, code string) *DeviceInfo {
	id, err := NewIdentity()
	require.NoError(t, err)
	sc, err := ParseSetupCode(code)
	require.NoError(t, err)
	return NewDeviceInfo(id, sc)
}

// pairSetup runs M1-M6 with the given code.
func (c *controller) pairSetup(t *testing.T, s *Setup, conn Conn, code string, di *DeviceInfo) *ErrorResponse {
	t.Helper()
	m2, e := exchange[SRPStartResponse](t, s, conn, SRPStartRequest{State: StateM1, Method: MethodSetup})
	if e != nil {
		return e
	}
	require.Equal(t, StateM2, m2.State)
	cs := srp.NewClientSession(srp.MustGeneratePrivateKey(), srp.NewSecret(m2.Salt, "Pair-Setup", code))
	K, err := cs.SessionKey(m2.PublicKey)
	require.NoError(t, err)
	proof := cs.Proof(K, m2.PublicKey)

	m4, e := exchange[SRPVerifyResponse](t, s, conn, SRPVerifyRequest{State: StateM3, PublicKey: cs.PublicKey(), Proof: proof})
	if e != nil {
		return e
	}
	require.NoError(t, cs.VerifyServerProof(K, proof, m4.Proof))

	x := cryptoutil.PairSetupControllerSign.Derive(K)
	sub, err := tlv8.Marshal(PairInfo{
		PairingID:         c.id,
		LongTermPublicKey: c.pub,
		Signature:         ed25519.Sign(c.priv, bytes.Join([][]byte{x, []byte(c.id), c.pub}, nil)),
	})
	require.NoError(t, err)
	aead := cryptoutil.PairSetupEncrypt.AEAD(K)
	m6, e := exchange[ExchangeResponse](t, s, conn, ExchangeRequest{
		State:         StateM5,
		EncryptedData: aead.Seal(nil, cryptoutil.Nonce("PS-Msg05"), sub, nil),
	})
	if e != nil {
		return e
	}
	plain, err := aead.Open(nil, cryptoutil.Nonce("PS-Msg06"), m6.EncryptedData, nil)
	require.NoError(t, err)
	var acc PairInfo
	require.NoError(t, tlv8.Unmarshal(plain, &acc))
	require.Equal(t, di.DeviceID, acc.PairingID)
	ax := cryptoutil.PairSetupAccessorySign.Derive(K)
	require.True(t, ed25519.Verify(di.PublicKey, bytes.Join([][]byte{ax, []byte(acc.PairingID), acc.LongTermPublicKey}, nil), acc.Signature))
	return nil
}

// pairVerify runs M1-M4 and returns the shared secret on success.
func (c *controller) pairVerify(t *testing.T, v *VerifySession, conn Conn, di *DeviceInfo) ([]byte, *ErrorResponse) {
	t.Helper()
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	m2, e := exchange[VerifyStartResponse](t, v, conn, VerifyStartRequest{State: StateM1, PublicKey: eph.PublicKey().Bytes()})
	if e != nil {
		return nil, e
	}
	accEph, err := ecdh.X25519().NewPublicKey(m2.PublicKey)
	require.NoError(t, err)
	shared, err := eph.ECDH(accEph)
	require.NoError(t, err)
	aead := cryptoutil.PairVerifyEncrypt.AEAD(shared)
	plain, err := aead.Open(nil, cryptoutil.Nonce("PV-Msg02"), m2.EncryptedData, nil)
	require.NoError(t, err)
	var acc PairInfo
	require.NoError(t, tlv8.Unmarshal(plain, &acc))
	require.True(t, ed25519.Verify(di.PublicKey, bytes.Join([][]byte{m2.PublicKey, []byte(acc.PairingID), eph.PublicKey().Bytes()}, nil), acc.Signature))

	sub, err := tlv8.Marshal(PairInfo{
		PairingID: c.id,
		Signature: ed25519.Sign(c.priv, bytes.Join([][]byte{eph.PublicKey().Bytes(), []byte(c.id), m2.PublicKey}, nil)),
	})
	require.NoError(t, err)
	_, e = exchange[VerifyFinishResponse](t, v, conn, VerifyFinishRequest{
		State:         StateM3,
		EncryptedData: aead.Seal(nil, cryptoutil.Nonce("PV-Msg03"), sub, nil),
	})
	if e != nil {
		return nil, e
	}
	return shared, nil
}
