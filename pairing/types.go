package pairing

import (
	"crypto/sha512"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Method uint8

const (
	MethodSetup         Method = 0
	MethodSetupWithAuth Method = 1
	MethodVerify        Method = 2
	MethodAdd           Method = 3
	MethodRemove        Method = 4
	MethodList          Method = 5
)

type State uint8

const (
	StateM1 State = 1
	StateM2 State = 2
	StateM3 State = 3
	StateM4 State = 4
	StateM5 State = 5
	StateM6 State = 6
)

// FeatureFlag is the "ff" value advertised over DNS-SD. Pairing without an
// authentication coprocessor needs no flag, so accessories advertise zero.
type FeatureFlag uint8

// Error is the code of a kTLVType_Error item.
type Error uint8

const (
	ErrorReserved       Error = 0x00 // no error; never sent
	ErrorUnknown        Error = 0x01
	ErrorAuthentication Error = 0x02 // wrong setup code or bad signature
	ErrorBackoff        Error = 0x03 // retry after the RetryDelay item
	ErrorMaxPeers       Error = 0x04 // the pairing table is full
	ErrorMaxTries       Error = 0x05
	ErrorUnavailable    Error = 0x06 // already paired
	ErrorBusy           Error = 0x07 // another pair-setup is in progress
)

var errorNames = [...]string{
	ErrorReserved:       "reserved",
	ErrorUnknown:        "unknown",
	ErrorAuthentication: "authentication",
	ErrorBackoff:        "backoff",
	ErrorMaxPeers:       "max peers",
	ErrorMaxTries:       "max tries",
	ErrorUnavailable:    "unavailable",
	ErrorBusy:           "busy",
}

func (e Error) Error() string {
	if int(e) < len(errorNames) {
		return errorNames[e]
	}
	return fmt.Sprintf("unknown error (%d)", uint8(e))
}

// Permissions of a paired controller. Only admins may edit pairings.
type Permissions uint8

const (
	PermissionsRegularUser Permissions = 0
	PermissionsAdmin       Permissions = 1
)

// MaxPairings is the number of controllers an accessory keeps.
const MaxPairings = 16

// Pair-setup messages. Item types: 00 method, 01 identifier, 02 salt,
// 03 public key, 04 proof, 05 encrypted data, 06 state, 07 error,
// 08 retry delay, 0A signature, 0B permissions, FF list separator.

type SRPStartRequest struct {
	State  State  `tlv:"06"`
	Method Method `tlv:"00"`
}

type SRPStartResponse struct {
	State     State  `tlv:"06"`
	PublicKey []byte `tlv:"03"`
	Salt      []byte `tlv:"02"`
}

type SRPVerifyRequest struct {
	State State `tlv:"06"`

	PublicKey []byte `tlv:"03"`
	Proof     []byte `tlv:"04"`
}

type SRPVerifyResponse struct {
	State State `tlv:"06"`

	Proof         []byte `tlv:"04"`
	EncryptedData []byte `tlv:"05,omitempty"`
}

type ExchangeRequest struct {
	State State `tlv:"06"`

	EncryptedData []byte `tlv:"05"` // sealed PairInfo of the controller
}

type ExchangeResponse struct {
	State State `tlv:"06"`

	EncryptedData []byte `tlv:"05"` // sealed PairInfo of the accessory
}

type PairInfo struct {
	PairingID         string      `tlv:"01"`
	LongTermPublicKey []byte      `tlv:"03,omitempty"`
	Signature         []byte      `tlv:"0A,omitempty"`
	Permissions       Permissions `tlv:"0B"`
}

// Admin reports whether the controller may add and remove pairings.
func (p *PairInfo) Admin() bool {
	return p.Permissions&PermissionsAdmin != 0
}

type SetupCode uint32

func (c SetupCode) String() string {
	t := fmt.Sprintf("%08d", c)
	return t[:3] + "-" + t[3:5] + "-" + t[5:]
}

// ParseSetupCode parses a setup code in the XXX-XX-XXX form.
func ParseSetupCode(s string) (SetupCode, error) {
	if len(s) != 10 || s[3] != '-' || s[6] != '-' {
		return 0, fmt.Errorf("setup code %q: want XXX-XX-XXX", s)
	}
	digits := s[:3] + s[4:6] + s[7:]
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil || strings.Trim(digits, "0123456789") != "" {
		return 0, fmt.Errorf("setup code %q: want XXX-XX-XXX", s)
	}
	return SetupCode(n), nil
}

// Trivial reports whether the code is one of the sequences controllers
// refuse, such as 111-11-111 or 123-45-678.
func (c SetupCode) Trivial() bool {
	switch c {
	case 12345678, 87654321:
		return true
	}
	return c%11111111 == 0
}

type SetupPayload struct {
	Version           uint8 // 0b000
	AccessoryCategory uint8
	WACSupport        bool
	BLETransport      bool
	IPTransport       bool
	Paired            bool
	SetupCode         SetupCode
	SetupID           string
}

func (p SetupPayload) URL() string {
	r := uint64(0)
	r |= uint64(p.AccessoryCategory) << 31
	if p.WACSupport {
		r |= 1 << 30
	}
	if p.BLETransport {
		r |= 1 << 29
	}
	if p.IPTransport || p.WACSupport {
		r |= 1 << 28
	}
	if p.Paired {
		r |= 1 << 27
	}
	r |= uint64(p.SetupCode & 0x7ffffff)
	s := strings.ToUpper(strconv.FormatUint(r, 36))
	if len(s) < 9 {
		s = strings.Repeat("0", 9-len(s)) + s
	}
	return "X-HM://" + s + p.SetupID
}

func SetupHash(setupID, deviceID string) []byte {
	h := sha512.New()
	io.WriteString(h, setupID)
	io.WriteString(h, deviceID)
	return h.Sum(nil)[:4]
}

type ErrorResponse struct {
	State      State  `tlv:"06"`
	Error      Error  `tlv:"07"`
	RetryDelay uint32 `tlv:"08,omitempty"`
}

type VerifyStartRequest struct {
	State     State  `tlv:"06"`
	PublicKey []byte `tlv:"03"`
}

type VerifyStartResponse struct {
	State         State  `tlv:"06"`
	PublicKey     []byte `tlv:"03"`
	EncryptedData []byte `tlv:"05"`
}

type VerifyFinishRequest struct {
	State         State  `tlv:"06"`
	EncryptedData []byte `tlv:"05"`
}

type VerifyFinishResponse struct {
	State State `tlv:"06"`
}

type AddPairingRequest struct {
	State  State  `tlv:"06"`
	Method Method `tlv:"00"`

	PairInfo
}

type AddPairingResponse struct {
	State State `tlv:"06"`
	Error Error `tlv:"07,omitempty"`
}

type RemovePairingRequest struct {
	State  State  `tlv:"06"`
	Method Method `tlv:"00"`

	PairInfo
}

type RemovePairingResponse struct {
	State State `tlv:"06"`
	Error Error `tlv:"07,omitempty"`
}

type ListPairingRequest struct {
	State  State  `tlv:"06"`
	Method Method `tlv:"00"`
}

type ListPairingResponse struct {
	State State       `tlv:"06"`
	Pairs []*PairInfo `tlv:"FF"`
}
