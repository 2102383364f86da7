package pairing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"hapkit"
	"hapkit/crypto/cryptoutil"
	"hapkit/crypto/srp"
	"hapkit/encoding/tlv8"

	"github.com/golang/glog"
	"github.com/kr/pretty"
)

type DeviceInfo struct {
	DeviceID   string
	SetupCode  SetupCode
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewDeviceInfo combines the accessory identity with its setup code.
func NewDeviceInfo(id *Identity, code SetupCode) *DeviceInfo {
	return &DeviceInfo{
		DeviceID:   id.DeviceID,
		SetupCode:  code,
		PrivateKey: id.PrivateKey,
		PublicKey:  id.PrivateKey.Public().(ed25519.PublicKey),
	}
}

// handshakeError is a pairing failure reported to the controller as a TLV
// error item.
type handshakeError struct {
	state State
	code  Error
	retry time.Duration
	err   error
}

func (e *handshakeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("M%d: %v", e.state, e.code)
	}
	return fmt.Sprintf("M%d: %v: %v", e.state, e.code, e.err)
}

func (e *handshakeError) Unwrap() []error {
	errs := []error{hapkit.ErrHandshakeFailed, e.code}
	if e.err != nil {
		errs = append(errs, e.err)
	}
	return errs
}

func fail(state State, code Error, err error) error {
	return &handshakeError{state: state, code: code, err: err}
}

// reply turns a handshake failure into a TLV error response. Other errors
// are returned as is and fail the request.
func reply(remote string, b []byte, err error) ([]byte, error) {
	var he *handshakeError
	if !errors.As(err, &he) {
		return b, err
	}
	glog.Warningf("%s: pairing: %v", remote, he)
	resp := ErrorResponse{State: he.state, Error: he.code}
	if he.retry > 0 {
		resp.RetryDelay = uint32(math.Ceil(he.retry.Seconds()))
	}
	return tlv8.Marshal(resp)
}

// Setup handles pair-setup for every connection of the accessory. The
// handshake state is kept per remote identity: requests of one identity are
// serialized while unrelated identities proceed independently.
type Setup struct {
	di      *DeviceInfo
	peers   *Registry
	limiter *Limiter

	mu       sync.Mutex
	sessions map[string]*setupSession
}

type setupSession struct {
	mu           sync.Mutex
	owner        Conn
	state        State // next expected request
	ss           *srp.ServerSession
	sharedSecret []byte
	gone         bool // evicted from Setup.sessions
}

func NewSetup(di *DeviceInfo, r *Registry, l *Limiter) *Setup {
	if l == nil {
		l = NewLimiter(DefaultLimiterConfig())
	}
	return &Setup{
		di:       di,
		peers:    r,
		limiter:  l,
		sessions: make(map[string]*setupSession),
	}
}

// acquire returns the locked handshake state of id.
func (s *Setup) acquire(id string) *setupSession {
	for {
		s.mu.Lock()
		ss, ok := s.sessions[id]
		if !ok {
			ss = &setupSession{state: StateM1}
			s.sessions[id] = ss
		}
		s.mu.Unlock()
		ss.mu.Lock()
		if !ss.gone {
			return ss
		}
		ss.mu.Unlock()
	}
}

// release unlocks ss, dropping it from the table when no handshake is in
// progress.
func (s *Setup) release(id string, ss *setupSession) {
	if ss.owner == nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		ss.gone = true
	}
	ss.mu.Unlock()
}

// Abort discards the handshake owned by c, e.g. when it disconnects.
func (s *Setup) Abort(c Conn) {
	id := c.RemoteIdentity()
	s.mu.Lock()
	ss, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	ss.mu.Lock()
	if ss.owner == c {
		ss.reset()
	}
	s.release(id, ss)
}

func (ss *setupSession) reset() {
	ss.owner = nil
	ss.state = StateM1
	ss.ss = nil
	ss.sharedSecret = nil
}

type pairSetupRequest struct {
	State State `tlv:"06"`
}

func (s *Setup) Handle(ctx context.Context, req []byte) ([]byte, error) {
	conn, ok := FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no conn found in context")
	}
	var pr pairSetupRequest
	if err := tlv8.Unmarshal(req, &pr); err != nil {
		return nil, err
	}
	id := conn.RemoteIdentity()
	ss := s.acquire(id)
	defer s.release(id, ss)

	if pr.State != StateM1 && (ss.owner != conn || ss.state != pr.State) {
		return reply(id, nil, fail(pr.State+1, ErrorUnknown, fmt.Errorf("unexpected M%d", pr.State)))
	}
	var b []byte
	var err error
	switch pr.State {
	case StateM1:
		b, err = call(func(r *SRPStartRequest) (*SRPStartResponse, error) {
			return s.handleSRPStart(conn, ss, r)
		}, req)
	case StateM3:
		b, err = call(func(r *SRPVerifyRequest) (*SRPVerifyResponse, error) {
			return s.handleSRPVerify(conn, ss, r)
		}, req)
	case StateM5:
		b, err = call(func(r *ExchangeRequest) (*ExchangeResponse, error) {
			return s.handleExchange(conn, ss, r)
		}, req)
	default:
		return nil, fmt.Errorf("unexpected state: %v", pr.State)
	}
	if err != nil && ss.owner == conn {
		ss.reset()
	}
	return reply(id, b, err)
}

func call[Req, Resp any](fn func(*Req) (*Resp, error), b []byte) ([]byte, error) {
	var req Req
	if err := tlv8.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	glog.V(2).Infof("-> %# v", pretty.Formatter(req))
	resp, err := fn(&req)
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("<- %# v", pretty.Formatter(resp))
	return tlv8.Marshal(resp)
}

// admit consults the attempt limiter for the remote identity.
func (s *Setup) admit(id string, state State) error {
	wait, err := s.limiter.Check(id)
	if err == nil {
		return nil
	}
	var code Error
	errors.As(err, &code)
	return &handshakeError{state: state, code: code, retry: wait}
}

func (s *Setup) handleSRPStart(conn Conn, ss *setupSession, req *SRPStartRequest) (*SRPStartResponse, error) {
	if s.peers.Paired() {
		return nil, fail(StateM2, ErrorUnavailable, errors.New("already paired"))
	}
	if ss.owner != nil && ss.owner != conn {
		return nil, fail(StateM2, ErrorBusy, errors.New("pair-setup in progress on another connection"))
	}
	if err := s.admit(conn.RemoteIdentity(), StateM2); err != nil {
		return nil, err
	}
	privateKey, err := srp.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	salt, err := srp.GenerateSalt()
	if err != nil {
		return nil, err
	}
	sec := srp.NewSecret(salt, "Pair-Setup", s.di.SetupCode.String())
	ss.reset()
	ss.owner = conn
	ss.ss = srp.NewServerSession(privateKey, sec)
	ss.state = StateM3
	return &SRPStartResponse{
		State:     StateM2,
		Salt:      salt,
		PublicKey: ss.ss.PublicKey(),
	}, nil
}

func (s *Setup) handleSRPVerify(conn Conn, ss *setupSession, req *SRPVerifyRequest) (*SRPVerifyResponse, error) {
	id := conn.RemoteIdentity()
	if err := s.admit(id, StateM4); err != nil {
		return nil, err
	}
	K, err := ss.ss.SessionKey(req.PublicKey)
	if err == nil {
		err = ss.ss.VerifyClientProof(K, req.PublicKey, req.Proof)
	}
	if err != nil {
		s.limiter.Fail(id)
		glog.Warningf("%s: pair-setup: %d failed attempts", id, s.limiter.Failures(id))
		return nil, fail(StateM4, ErrorAuthentication, err)
	}
	ss.sharedSecret = K
	ss.state = StateM5
	return &SRPVerifyResponse{
		State: StateM4,
		Proof: ss.ss.Proof(K, req.PublicKey, req.Proof),
	}, nil
}

func (s *Setup) handleExchange(conn Conn, ss *setupSession, req *ExchangeRequest) (*ExchangeResponse, error) {
	aead := cryptoutil.PairSetupEncrypt.AEAD(ss.sharedSecret)
	submsg, err := aead.Open(nil, cryptoutil.Nonce("PS-Msg05"), req.EncryptedData, nil)
	if err != nil {
		return nil, fail(StateM6, ErrorAuthentication, err)
	}
	var ctlInfo PairInfo
	if err := tlv8.Unmarshal(submsg, &ctlInfo); err != nil {
		return nil, fail(StateM6, ErrorAuthentication, err)
	}
	if len(ctlInfo.LongTermPublicKey) != ed25519.PublicKeySize {
		return nil, fail(StateM6, ErrorAuthentication, errors.New("invalid controller key"))
	}
	deviceX := cryptoutil.PairSetupControllerSign.Derive(ss.sharedSecret)
	if !ed25519.Verify(ctlInfo.LongTermPublicKey, bytes.Join([][]byte{
		deviceX,
		[]byte(ctlInfo.PairingID),
		ctlInfo.LongTermPublicKey,
	}, nil), ctlInfo.Signature) {
		return nil, fail(StateM6, ErrorAuthentication, errors.New("invalid signature"))
	}
	if s.peers.Paired() {
		return nil, fail(StateM6, ErrorUnavailable, errors.New("already paired"))
	}
	ctlInfo.Permissions = PermissionsAdmin
	if err := s.peers.Add(&ctlInfo); err != nil {
		return nil, fail(StateM6, ErrorUnknown, err)
	}
	s.limiter.Reset(conn.RemoteIdentity())

	accessoryX := cryptoutil.PairSetupAccessorySign.Derive(ss.sharedSecret)
	accInfo := PairInfo{
		PairingID:         s.di.DeviceID,
		LongTermPublicKey: s.di.PublicKey,
		Signature: ed25519.Sign(s.di.PrivateKey, bytes.Join([][]byte{
			accessoryX,
			[]byte(s.di.DeviceID),
			s.di.PublicKey,
		}, nil)),
	}
	submsg, err = tlv8.Marshal(accInfo)
	if err != nil {
		return nil, err
	}
	glog.Infof("%s: paired with controller %s", conn.RemoteIdentity(), ctlInfo.PairingID)
	ss.reset()
	return &ExchangeResponse{
		State:         StateM6,
		EncryptedData: aead.Seal(nil, cryptoutil.Nonce("PS-Msg06"), submsg, nil),
	}, nil
}
