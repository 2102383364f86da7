package server

import (
	"bufio"
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"hapkit/crypto/cryptoutil"
	"hapkit/crypto/ipsession"
	"hapkit/crypto/srp"
	"hapkit/encoding/tlv8"
	"hapkit/pairing"

	"github.com/stretchr/testify/require"
)

// client is a minimal HAP controller speaking to the server over TCP.
type client struct {
	t    *testing.T
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	raw net.Conn
	rw  io.ReadWriter
	br  *bufio.Reader
}

func newClient(t *testing.T, id string) *client {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &client{t: t, id: id, pub: pub, priv: priv}
}

func (c *client) dial(addr string) *client {
	raw, err := net.Dial("tcp", addr)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { raw.Close() })
	c.raw = raw
	c.rw = raw
	c.br = bufio.NewReader(raw)
	return c
}

// clone returns a client with the same long-term identity and no
// connection.
func (c *client) clone() *client {
	return &client{t: c.t, id: c.id, pub: c.pub, priv: c.priv}
}

func (c *client) do(method, path, contentType string, body []byte) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, "http://accessory"+path, bytes.NewReader(body))
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	require.NoError(c.t, req.Write(c.rw))
	resp, err := http.ReadResponse(c.br, req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, b
}

func (c *client) json(method, path string, body string) (int, string) {
	c.t.Helper()
	code, b := c.do(method, path, contentTypeJSON, []byte(body))
	return code, string(b)
}

func tlvCall[Resp any](c *client, path string, req any) *Resp {
	c.t.Helper()
	b, err := tlv8.Marshal(req)
	require.NoError(c.t, err)
	code, out := c.do(http.MethodPost, path, contentTypeTLV8, b)
	require.Equal(c.t, http.StatusOK, code)
	var e pairing.ErrorResponse
	require.NoError(c.t, tlv8.Unmarshal(out, &e))
	require.Equal(c.t, pairing.ErrorReserved, e.Error, "%s: %v", path, e.Error)
	var resp Resp
	require.NoError(c.t, tlv8.Unmarshal(out, &resp))
	return &resp
}

func (c *client) pairSetup(code string) {
	c.t.Helper()
	m2 := tlvCall[pairing.SRPStartResponse](c, "/pair-setup", pairing.SRPStartRequest{State: pairing.StateM1, Method: pairing.MethodSetup})
	cs := srp.NewClientSession(srp.MustGeneratePrivateKey(), srp.NewSecret(m2.Salt, "Pair-Setup", code))
	K, err := cs.SessionKey(m2.PublicKey)
	require.NoError(c.t, err)
	proof := cs.Proof(K, m2.PublicKey)
	m4 := tlvCall[pairing.SRPVerifyResponse](c, "/pair-setup", pairing.SRPVerifyRequest{State: pairing.StateM3, PublicKey: cs.PublicKey(), Proof: proof})
	require.NoError(c.t, cs.VerifyServerProof(K, proof, m4.Proof))

	x := cryptoutil.PairSetupControllerSign.Derive(K)
	sub, err := tlv8.Marshal(pairing.PairInfo{
		PairingID:         c.id,
		LongTermPublicKey: c.pub,
		Signature:         ed25519.Sign(c.priv, bytes.Join([][]byte{x, []byte(c.id), c.pub}, nil)),
	})
	require.NoError(c.t, err)
	aead := cryptoutil.PairSetupEncrypt.AEAD(K)
	m6 := tlvCall[pairing.ExchangeResponse](c, "/pair-setup", pairing.ExchangeRequest{
		State:         pairing.StateM5,
		EncryptedData: aead.Seal(nil, cryptoutil.Nonce("PS-Msg05"), sub, nil),
	})
	_, err = aead.Open(nil, cryptoutil.Nonce("PS-Msg06"), m6.EncryptedData, nil)
	require.NoError(c.t, err)
}

// pairVerify runs pair-verify and switches the client to the encrypted
// session.
func (c *client) pairVerify() {
	c.t.Helper()
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(c.t, err)
	m2 := tlvCall[pairing.VerifyStartResponse](c, "/pair-verify", pairing.VerifyStartRequest{State: pairing.StateM1, PublicKey: eph.PublicKey().Bytes()})
	accEph, err := ecdh.X25519().NewPublicKey(m2.PublicKey)
	require.NoError(c.t, err)
	shared, err := eph.ECDH(accEph)
	require.NoError(c.t, err)
	aead := cryptoutil.PairVerifyEncrypt.AEAD(shared)
	_, err = aead.Open(nil, cryptoutil.Nonce("PV-Msg02"), m2.EncryptedData, nil)
	require.NoError(c.t, err)
	sub, err := tlv8.Marshal(pairing.PairInfo{
		PairingID: c.id,
		Signature: ed25519.Sign(c.priv, bytes.Join([][]byte{eph.PublicKey().Bytes(), []byte(c.id), m2.PublicKey}, nil)),
	})
	require.NoError(c.t, err)
	tlvCall[pairing.VerifyFinishResponse](c, "/pair-verify", pairing.VerifyFinishRequest{
		State:         pairing.StateM3,
		EncryptedData: aead.Seal(nil, cryptoutil.Nonce("PV-Msg03"), sub, nil),
	})
	c.rw = ipsession.NewControllerConn(c.raw, shared)
	c.br = bufio.NewReader(c.rw)
}

// readEvent reads one EVENT/1.0 message and returns its body.
func (c *client) readEvent() string {
	c.t.Helper()
	require.NoError(c.t, c.raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	defer c.raw.SetReadDeadline(time.Time{})
	tp := textproto.NewReader(c.br)
	line, err := tp.ReadLine()
	require.NoError(c.t, err)
	require.Equal(c.t, "EVENT/1.0 200 OK", line)
	hdr, err := tp.ReadMIMEHeader()
	require.NoError(c.t, err)
	require.Equal(c.t, contentTypeJSON, hdr.Get("Content-Type"))
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	require.NoError(c.t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(c.br, body)
	require.NoError(c.t, err)
	return string(body)
}

func mustTLV(t *testing.T, v any) []byte {
	b, err := tlv8.Marshal(v)
	require.NoError(t, err)
	return b
}

func unmarshalTLV(b []byte, v any) error { return tlv8.Unmarshal(b, v) }
