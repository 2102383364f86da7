package attrdb

import (
	"hapkit/accessory"

	"github.com/golang/glog"
)

// Database returns the attribute database with every characteristic's
// metadata and cached value. Getters are not invoked.
func (r *Router) Database() *Database {
	var db Database
	for _, a := range r.Registry.Accessories() {
		acc := &Accessory{AID: a.ID}
		for _, s := range a.Services {
			svc := &Service{
				Type:    s.Type,
				IID:     s.IID,
				Primary: s.Primary,
				Hidden:  s.Hidden,
			}
			for _, l := range s.Linked {
				svc.Linked = append(svc.Linked, l.IID)
			}
			for _, c := range s.Characteristics {
				svc.Characteristics = append(svc.Characteristics, snapshot(c))
			}
			acc.Services = append(acc.Services, svc)
		}
		db.Accessories = append(db.Accessories, acc)
	}
	return &db
}

func snapshot(c *accessory.Characteristic) *Characteristic {
	out := &Characteristic{IID: c.IID}
	out.describe(c, true, true, true)
	if !c.Readable() {
		return out
	}
	v := c.Cached()
	if v == nil {
		return out
	}
	b, err := accessory.Serialize(c.Format, v)
	if err != nil {
		glog.Errorf("attrdb: %s: %v", c, err)
		return out
	}
	out.Value = b
	return out
}
