package accessory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"hapkit"
)

type Perm string

const (
	PermPairedRead              Perm = "pr"
	PermPairedWrite             Perm = "pw"
	PermEvents                  Perm = "ev"
	PermAdditionalAuthorization Perm = "aa"
	PermTimedWrite              Perm = "tw"
	PermHidden                  Perm = "hd"
	PermWriteResponse           Perm = "wr"
)

type Unit string

const (
	UnitCelsius    Unit = "celsius"
	UnitPercentage Unit = "percentage"
	UnitArcDegree  Unit = "arcdegrees"
	UnitLux        Unit = "lux"
	UnitSeconds    Unit = "seconds"
)

// Getter reads the live value of a characteristic from the device. It may
// block on hardware I/O.
type Getter interface {
	Get(ctx context.Context) (any, error)
}

// Setter applies a controller write to the device. The cached value is only
// updated when it returns nil.
type Setter interface {
	Set(ctx context.Context, v any) error
}

type GetterFunc func(ctx context.Context) (any, error)

func (f GetterFunc) Get(ctx context.Context) (any, error) { return f(ctx) }

type SetterFunc func(ctx context.Context, v any) error

func (f SetterFunc) Set(ctx context.Context, v any) error { return f(ctx, v) }

var errNotRegistered = errors.New("accessory: characteristic is not registered")

// Characteristic is a single attribute of a service. The exported fields are
// the static declaration and must not change once the characteristic is part
// of a Registry. Device callbacks are serialized per instance, so a slow
// device only stalls requests that need that device; the cached value sits
// behind its own short lock and stays readable meanwhile.
type Characteristic struct {
	Type        string
	IID         uint64
	Format      Format
	Perms       []Perm
	Unit        Unit
	Description string
	Constraints
	Default any

	Getter Getter
	Setter Setter

	aid uint64
	reg *Registry

	io     sync.Mutex // held across Getter and Setter calls
	order  sync.Mutex // orders updates with their change reports
	mu     sync.Mutex // guards value and loaded
	value  any
	loaded bool
}

// AID returns the id of the accessory the characteristic belongs to.
func (c *Characteristic) AID() uint64 { return c.aid }

func (c *Characteristic) HasPerm(p Perm) bool {
	return slices.Contains(c.Perms, p)
}

func (c *Characteristic) Readable() bool { return c.HasPerm(PermPairedRead) }
func (c *Characteristic) Writable() bool { return c.HasPerm(PermPairedWrite) }
func (c *Characteristic) Notifies() bool { return c.HasPerm(PermEvents) }

func (c *Characteristic) String() string {
	return fmt.Sprintf("%d.%d(%s)", c.aid, c.IID, c.Type)
}

// init validates the declaration and loads the default value.
func (c *Characteristic) init() error {
	if c.Type == "" {
		return fmt.Errorf("characteristic %d: missing type", c.IID)
	}
	if !c.Format.valid() {
		return fmt.Errorf("characteristic %s: unknown format %q", c.Type, c.Format)
	}
	if c.MaxLen > MaxMaxLen {
		return fmt.Errorf("characteristic %s: maxLen %d exceeds %d", c.Type, c.MaxLen, MaxMaxLen)
	}
	if c.Default == nil {
		return nil
	}
	v, err := Convert(c.Format, c.Default)
	if err != nil {
		return fmt.Errorf("characteristic %s: default: %v", c.Type, err)
	}
	if err := Validate(c.Format, v, c.Constraints); err != nil {
		return fmt.Errorf("characteristic %s: default: %v", c.Type, err)
	}
	c.value = v
	c.loaded = true
	return nil
}

// Cached returns the last known value without invoking the getter.
func (c *Characteristic) Cached() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Push reports a value change that originated on the device, e.g. a physical
// button press. It bypasses the setter.
func (c *Characteristic) Push(v any) error {
	if c.reg == nil {
		return errNotRegistered
	}
	return c.reg.notify(context.Background(), c, v)
}

func (c *Characteristic) get(ctx context.Context) (any, error) {
	if !c.Readable() {
		return nil, fmt.Errorf("%s: %w", c, hapkit.ErrNotReadable)
	}
	if c.Getter == nil {
		return c.Cached(), nil
	}
	c.io.Lock()
	defer c.io.Unlock()
	raw, err := c.Getter.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", c, err)
	}
	v, err := c.accept(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: device value: %w", c, err)
	}
	c.mu.Lock()
	c.value = v
	c.loaded = true
	c.mu.Unlock()
	return v, nil
}

func (c *Characteristic) accept(raw any) (any, error) {
	v, err := Convert(c.Format, raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(c.Format, v, c.Constraints); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Characteristic) set(ctx context.Context, raw any, changed ChangeFunc) error {
	if !c.Writable() {
		return fmt.Errorf("%s: %w", c, hapkit.ErrNotWritable)
	}
	v, err := c.accept(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	c.io.Lock()
	defer c.io.Unlock()
	if c.Setter != nil {
		if err := c.Setter.Set(ctx, v); err != nil {
			return fmt.Errorf("%s: write: %w", c, err)
		}
	}
	// A write-only characteristic such as Identify is a control point: the
	// write triggers an action but leaves no value to cache or report.
	if !c.Readable() {
		return nil
	}
	c.update(ctx, v, changed)
	return nil
}

func (c *Characteristic) push(ctx context.Context, raw any, changed ChangeFunc) error {
	v, err := c.accept(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	c.update(ctx, v, changed)
	return nil
}

// update stores v and reports it if it differs from the cached value. Reports
// for one characteristic leave in the order the values were stored.
func (c *Characteristic) update(ctx context.Context, v any, changed ChangeFunc) {
	c.order.Lock()
	defer c.order.Unlock()
	c.mu.Lock()
	same := c.loaded && reflect.DeepEqual(c.value, v)
	c.value = v
	c.loaded = true
	c.mu.Unlock()
	if !same && changed != nil {
		changed(ctx, c, v)
	}
}
