// Package dnssd advertises the accessory as a _hap._tcp service.
package dnssd

import (
	"encoding/base64"
	"fmt"
	"net"
	"sync"

	"hapkit/pairing"

	"github.com/enbility/zeroconf/v3"
	"github.com/golang/glog"
)

const (
	ServiceType = "_hap._tcp"
	Domain      = "local."
)

type StatusFlag uint32

const (
	StatusFlagNotPaired StatusFlag = 1 << iota
	StatusFlagWIFINotConfigured
	StatusFlagProblemDetected
	StatusFlagInsecureSetup
	StatusFlagLowBattery
)

type Service struct {
	// Current configuration number. Required.
	// Must update when an accessory, service, or characteristic is added or
	// removed on the accessory server. This must have a range of 1-65535 and
	// wrap to 1 when it overflows.
	ConfigNumber uint32 `txt:"c#"`
	// Pairing Feature flags. Required if non-zero.
	FeatureFlags pairing.FeatureFlag `txt:"ff"`
	// DeviceID of the accessory, formatted as "XX:XX:XX:XX:XX:XX". Also used
	// as the accessory's Pairing Identifier.
	DeviceID string `txt:"id"`
	// Model name of the accessory (e.g. "Device1,1"). Required.
	Model string `txt:"md"`
	// ProtocolVersion "X.Y". 1.1 for IP accessories.
	ProtocolVersion string `txt:"pv"`
	// Status flags. Required.
	StatusFlags StatusFlag `txt:"sf"`
	// Accessory Category Identifier. Required.
	CategoryID uint32 `txt:"ci"`
	// Setup Hash. Required if the accessory supports enhanced setup payload
	// information.
	SetupHash []byte `txt:"sh"`
}

func (s *Service) TextRecords() []string {
	txt := []string{
		fmt.Sprintf("c#=%d", s.ConfigNumber),
		fmt.Sprintf("ff=%d", s.FeatureFlags),
		fmt.Sprintf("id=%s", s.DeviceID),
		fmt.Sprintf("md=%s", s.Model),
		fmt.Sprintf("pv=%s", s.ProtocolVersion),
		fmt.Sprintf("s#=%d", 1),
		fmt.Sprintf("sf=%d", s.StatusFlags),
		fmt.Sprintf("ci=%d", s.CategoryID),
	}
	if len(s.SetupHash) > 0 {
		txt = append(txt, fmt.Sprintf("sh=%s", base64.StdEncoding.EncodeToString(s.SetupHash)))
	}
	return txt
}

// Advertiser publishes a Service over mDNS and keeps its TXT record current.
type Advertiser struct {
	name   string
	port   int
	ifaces []net.Interface

	mu     sync.Mutex
	svc    Service
	server *zeroconf.Server
}

// NewAdvertiser returns an advertiser for the instance name on port. A nil
// ifaces advertises on every interface.
func NewAdvertiser(name string, port int, svc Service, ifaces []net.Interface) *Advertiser {
	return &Advertiser{
		name:   name,
		port:   port,
		ifaces: ifaces,
		svc:    svc,
	}
}

func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	server, err := zeroconf.Register(a.name, ServiceType, Domain, a.port, a.svc.TextRecords(), a.ifaces)
	if err != nil {
		return fmt.Errorf("dnssd: register %q: %w", a.name, err)
	}
	a.server = server
	glog.Infof("dnssd: advertising %q on port %d: %v", a.name, a.port, a.svc.TextRecords())
	return nil
}

// SetPaired updates the "not paired" status flag.
func (a *Advertiser) SetPaired(paired bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if paired {
		a.svc.StatusFlags &^= StatusFlagNotPaired
	} else {
		a.svc.StatusFlags |= StatusFlagNotPaired
	}
	if a.server != nil {
		a.server.SetText(a.svc.TextRecords())
		glog.Infof("dnssd: status flags now %d", a.svc.StatusFlags)
	}
}

// Service returns the advertised service.
func (a *Advertiser) Service() Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.svc
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
