package accessory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"hapkit"

	"github.com/cornelk/hashmap"
	"github.com/golang/glog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ChangeFunc observes value changes. It runs while the characteristic's lock
// is held and must not block.
type ChangeFunc func(ctx context.Context, c *Characteristic, v any)

// Registry owns the accessory topology for the lifetime of the process. The
// topology is fixed at construction; lookups are lock-free and each
// characteristic serializes its own reads and writes.
type Registry struct {
	accessories *orderedmap.OrderedMap[uint64, *Accessory]
	chars       *hashmap.Map[string, *Characteristic]

	mu       sync.RWMutex
	onChange []ChangeFunc
}

// Key returns the "aid.iid" key addressing a characteristic.
func Key(aid, iid uint64) string {
	return strconv.FormatUint(aid, 10) + "." + strconv.FormatUint(iid, 10)
}

// NewRegistry validates the topology and builds a registry. Any structural
// violation fails with hapkit.ErrInvalidTopology.
func NewRegistry(accs ...*Accessory) (*Registry, error) {
	if len(accs) == 0 {
		return nil, topologyErr("no accessories")
	}
	r := &Registry{
		accessories: orderedmap.New[uint64, *Accessory](),
		chars:       hashmap.New[string, *Characteristic](),
	}
	for _, a := range accs {
		if a == nil {
			return nil, topologyErr("nil accessory")
		}
		if _, dup := r.accessories.Get(a.ID); dup {
			return nil, topologyErr("duplicate accessory id %d", a.ID)
		}
		if err := a.validate(); err != nil {
			return nil, err
		}
		r.accessories.Set(a.ID, a)
		for _, s := range a.Services {
			for _, c := range s.Characteristics {
				if c.reg != nil {
					return nil, topologyErr("characteristic %s is declared twice", c)
				}
				c.reg = r
				r.chars.Set(Key(a.ID, c.IID), c)
			}
		}
	}
	if _, ok := r.accessories.Get(1); !ok {
		return nil, topologyErr("accessory id 1 is reserved for the primary accessory and must exist")
	}
	glog.V(1).Infof("registry: %d accessories, %d characteristics", r.accessories.Len(), r.chars.Len())
	return r, nil
}

// Accessories returns the accessories in declaration order.
func (r *Registry) Accessories() []*Accessory {
	accs := make([]*Accessory, 0, r.accessories.Len())
	for pair := r.accessories.Oldest(); pair != nil; pair = pair.Next() {
		accs = append(accs, pair.Value)
	}
	return accs
}

// Accessory returns the accessory with the given id.
func (r *Registry) Accessory(aid uint64) (*Accessory, bool) {
	return r.accessories.Get(aid)
}

// Primary returns the primary (aid 1) accessory.
func (r *Registry) Primary() *Accessory {
	a, _ := r.accessories.Get(1)
	return a
}

// Characteristic resolves an aid.iid pair.
func (r *Registry) Characteristic(aid, iid uint64) (*Characteristic, error) {
	c, ok := r.chars.Get(Key(aid, iid))
	if !ok {
		return nil, fmt.Errorf("%d.%d: %w", aid, iid, hapkit.ErrNotFound)
	}
	return c, nil
}

// OnChange registers fn to be called after every value change.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) changed(ctx context.Context, c *Characteristic, v any) {
	r.mu.RLock()
	fns := r.onChange
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, c, v)
	}
}

// Get returns the current value: the getter's result if one is bound,
// otherwise the cached value.
func (r *Registry) Get(ctx context.Context, aid, iid uint64) (any, error) {
	c, err := r.Characteristic(aid, iid)
	if err != nil {
		return nil, err
	}
	return c.get(ctx)
}

// Set validates v, invokes the setter and on success caches v and reports
// the change. A value outside the format or bounds leaves the cache as is.
func (r *Registry) Set(ctx context.Context, aid, iid uint64, v any) error {
	c, err := r.Characteristic(aid, iid)
	if err != nil {
		return err
	}
	return c.set(ctx, v, r.changed)
}

// NotifyChange records a device-initiated change without calling the setter.
func (r *Registry) NotifyChange(ctx context.Context, aid, iid uint64, v any) error {
	c, err := r.Characteristic(aid, iid)
	if err != nil {
		return err
	}
	return r.notify(ctx, c, v)
}

func (r *Registry) notify(ctx context.Context, c *Characteristic, v any) error {
	return c.push(ctx, v, r.changed)
}
