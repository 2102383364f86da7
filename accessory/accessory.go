package accessory

import (
	"context"
	"fmt"

	"hapkit"

	"github.com/golang/glog"
)

// Category is the accessory category advertised to controllers.
type Category uint16

const (
	CategoryOther            Category = 1
	CategoryBridge           Category = 2
	CategoryFan              Category = 3
	CategoryGarageDoorOpener Category = 4
	CategoryLightbulb        Category = 5
	CategoryDoorLock         Category = 6
	CategoryOutlet           Category = 7
	CategorySwitch           Category = 8
	CategoryThermostat       Category = 9
	CategorySensor           Category = 10
)

// Service groups the characteristics of one function of an accessory.
type Service struct {
	Type            string
	IID             uint64
	Primary         bool
	Hidden          bool
	Linked          []*Service
	Characteristics []*Characteristic
}

// Characteristic returns the first characteristic of the given type.
func (s *Service) Characteristic(typ string) *Characteristic {
	for _, c := range s.Characteristics {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// Accessory is a top-level device exposed to controllers.
type Accessory struct {
	ID       uint64
	Category Category
	Services []*Service
}

// Service returns the first service of the given type.
func (a *Accessory) Service(typ string) *Service {
	for _, s := range a.Services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// Identify runs the identify routine of the accessory, the same action as a
// controller writing true to its Identify characteristic.
func (a *Accessory) Identify(ctx context.Context) error {
	info := a.Service(TypeAccessoryInformation)
	if info == nil {
		return fmt.Errorf("accessory %d: %w", a.ID, hapkit.ErrNotFound)
	}
	c := info.Characteristic(TypeIdentify)
	if c == nil {
		return fmt.Errorf("accessory %d: no identify: %w", a.ID, hapkit.ErrNotFound)
	}
	if c.Setter == nil {
		return nil
	}
	return c.Setter.Set(ctx, true)
}

// Info is the metadata of the accessory information service.
type Info struct {
	Name             string
	Manufacturer     string
	SerialNumber     string
	Model            string
	FirmwareRevision string
}

// NewInfoService builds the accessory information service. identify is
// called when a controller asks the accessory to identify itself; nil logs
// the request.
func NewInfoService(info Info, identify func(ctx context.Context) error) *Service {
	if identify == nil {
		identify = func(context.Context) error {
			glog.Infof("identify %q", info.Name)
			return nil
		}
	}
	id := NewIdentify()
	id.Setter = SetterFunc(func(ctx context.Context, v any) error {
		if on, _ := v.(bool); on {
			return identify(ctx)
		}
		return nil
	})
	return &Service{
		Type: TypeAccessoryInformation,
		Characteristics: []*Characteristic{
			id,
			NewManufacturer(info.Manufacturer),
			NewModel(info.Model),
			NewName(info.Name),
			NewSerialNumber(info.SerialNumber),
			NewFirmwareRevision(info.FirmwareRevision),
		},
	}
}

var requiredInfo = []string{
	TypeName,
	TypeManufacturer,
	TypeSerialNumber,
	TypeModel,
	TypeFirmwareRevision,
	TypeIdentify,
}

func topologyErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), hapkit.ErrInvalidTopology)
}

// validate checks the structural rules of a single accessory and assigns
// instance ids to services and characteristics that have none.
func (a *Accessory) validate() error {
	if a.ID == 0 {
		return topologyErr("accessory id must be >= 1")
	}
	if len(a.Services) == 0 {
		return topologyErr("accessory %d: no services", a.ID)
	}
	used := make(map[uint64]bool)
	claim := func(iid uint64) error {
		if iid == 0 {
			return nil
		}
		if used[iid] {
			return topologyErr("accessory %d: duplicate instance id %d", a.ID, iid)
		}
		used[iid] = true
		return nil
	}
	own := make(map[*Service]bool)
	var infos, primaries int
	for _, s := range a.Services {
		if s == nil {
			return topologyErr("accessory %d: nil service", a.ID)
		}
		own[s] = true
		if err := claim(s.IID); err != nil {
			return err
		}
		if len(s.Characteristics) == 0 {
			return topologyErr("accessory %d: service %s has no characteristics", a.ID, s.Type)
		}
		for _, c := range s.Characteristics {
			if c == nil {
				return topologyErr("accessory %d: service %s: nil characteristic", a.ID, s.Type)
			}
			if err := claim(c.IID); err != nil {
				return err
			}
			if err := c.init(); err != nil {
				return topologyErr("accessory %d: %v", a.ID, err)
			}
		}
		if s.Type == TypeAccessoryInformation {
			infos++
			for _, typ := range requiredInfo {
				if s.Characteristic(typ) == nil {
					return topologyErr("accessory %d: information service lacks characteristic %s", a.ID, typ)
				}
			}
		}
		if s.Primary {
			primaries++
		}
	}
	if infos != 1 {
		return topologyErr("accessory %d: %d accessory information services, want exactly 1", a.ID, infos)
	}
	if primaries > 1 {
		return topologyErr("accessory %d: %d primary services, want at most 1", a.ID, primaries)
	}
	for _, s := range a.Services {
		for _, l := range s.Linked {
			if !own[l] || l == s {
				return topologyErr("accessory %d: service %s links a service outside the accessory", a.ID, s.Type)
			}
		}
	}

	next := uint64(1)
	assign := func() uint64 {
		for used[next] {
			next++
		}
		used[next] = true
		return next
	}
	// Information service first so it gets iid 1 and its characteristics follow.
	ordered := append([]*Service{a.Service(TypeAccessoryInformation)}, a.Services...)
	seen := make(map[*Service]bool)
	for _, s := range ordered {
		if seen[s] {
			continue
		}
		seen[s] = true
		if s.IID == 0 {
			s.IID = assign()
		}
		for _, c := range s.Characteristics {
			if c.IID == 0 {
				c.IID = assign()
			}
			c.aid = a.ID
		}
	}
	return nil
}
