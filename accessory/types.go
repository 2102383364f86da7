package accessory

// Short forms of the Apple-defined service and characteristic types. The
// full UUID is 000000XX-0000-1000-8000-0026BB765291.
const (
	TypeAccessoryInformation = "3E"
	TypeFan                  = "40"
	TypeLightbulb            = "43"
	TypeSwitch               = "49"
	TypeProtocolInformation  = "A2"
	TypeFanV2                = "B7"
)

const (
	TypeIdentify         = "14"
	TypeManufacturer     = "20"
	TypeModel            = "21"
	TypeName             = "23"
	TypeOn               = "25"
	TypeRotationSpeed    = "29"
	TypeSerialNumber     = "30"
	TypeVersion          = "37"
	TypeFirmwareRevision = "52"
	TypeBrightness       = "8"
	TypeActive           = "B0"
)

var (
	permRead       = []Perm{PermPairedRead}
	permReadNotify = []Perm{PermPairedRead, PermEvents}
	permAll        = []Perm{PermPairedRead, PermPairedWrite, PermEvents}
)

func newString(typ, value string) *Characteristic {
	return &Characteristic{
		Type:    typ,
		Format:  FormatString,
		Perms:   permRead,
		Default: value,
	}
}

func NewName(name string) *Characteristic          { return newString(TypeName, name) }
func NewManufacturer(s string) *Characteristic     { return newString(TypeManufacturer, s) }
func NewModel(s string) *Characteristic            { return newString(TypeModel, s) }
func NewSerialNumber(s string) *Characteristic     { return newString(TypeSerialNumber, s) }
func NewFirmwareRevision(s string) *Characteristic { return newString(TypeFirmwareRevision, s) }

// NewVersion returns the HAP protocol version characteristic.
func NewVersion(v string) *Characteristic {
	c := newString(TypeVersion, v)
	c.Perms = permReadNotify
	return c
}

// NewIdentify returns a write-only Identify characteristic.
func NewIdentify() *Characteristic {
	return &Characteristic{
		Type:   TypeIdentify,
		Format: FormatBool,
		Perms:  []Perm{PermPairedWrite},
	}
}

func NewOn() *Characteristic {
	return &Characteristic{
		Type:    TypeOn,
		Format:  FormatBool,
		Perms:   permAll,
		Default: false,
	}
}

// NewRotationSpeed returns a fan speed in percent, 0-100 in steps of 1.
func NewRotationSpeed() *Characteristic {
	return &Characteristic{
		Type:   TypeRotationSpeed,
		Format: FormatFloat,
		Perms:  permAll,
		Unit:   UnitPercentage,
		Constraints: Constraints{
			MinValue:  Float(0),
			MaxValue:  Float(100),
			StepValue: Float(1),
		},
		Default: 0.0,
	}
}

func NewBrightness() *Characteristic {
	return &Characteristic{
		Type:   TypeBrightness,
		Format: FormatInt,
		Perms:  permAll,
		Unit:   UnitPercentage,
		Constraints: Constraints{
			MinValue:  Float(0),
			MaxValue:  Float(100),
			StepValue: Float(1),
		},
		Default: 100,
	}
}

// NewActive returns the Active characteristic used by FanV2: 0 inactive, 1 active.
func NewActive() *Characteristic {
	return &Characteristic{
		Type:   TypeActive,
		Format: FormatUint8,
		Perms:  permAll,
		Constraints: Constraints{
			MinValue:    Float(0),
			MaxValue:    Float(1),
			StepValue:   Float(1),
			ValidValues: []int{0, 1},
		},
		Default: 0,
	}
}

// NewFan returns a fan service with On, RotationSpeed and Name.
func NewFan(name string) *Service {
	return &Service{
		Type:            TypeFan,
		Characteristics: []*Characteristic{NewOn(), NewRotationSpeed(), NewName(name)},
	}
}

// NewFanV2 returns a fan service driven by Active instead of On.
func NewFanV2(name string) *Service {
	return &Service{
		Type:            TypeFanV2,
		Characteristics: []*Characteristic{NewActive(), NewRotationSpeed(), NewName(name)},
	}
}

func NewLightbulb(name string) *Service {
	return &Service{
		Type:            TypeLightbulb,
		Characteristics: []*Characteristic{NewOn(), NewName(name)},
	}
}

func NewSwitch(name string) *Service {
	return &Service{
		Type:            TypeSwitch,
		Characteristics: []*Characteristic{NewOn(), NewName(name)},
	}
}

// NewProtocolInformation returns the service carrying the supported HAP
// protocol version.
func NewProtocolInformation() *Service {
	return &Service{
		Type:            TypeProtocolInformation,
		Characteristics: []*Characteristic{NewVersion("1.1.0")},
	}
}
