package main

import (
	"context"

	"hapkit/accessory"
	"hapkit/config"

	"github.com/golang/glog"
)

// ceilingFan is accessory 1, a fan with speed control, and accessory 2, the
// light built into it.
type ceilingFan struct {
	fan   *accessory.Accessory
	light *accessory.Accessory

	fanOn    *accessory.Characteristic
	speed    *accessory.Characteristic
	lightOn  *accessory.Characteristic
	registry *accessory.Registry
}

func newCeilingFan(c *config.Config) (*ceilingFan, error) {
	info := accessory.Info{
		Name:             c.Name,
		Manufacturer:     c.Manufacturer,
		SerialNumber:     c.SerialNumber,
		Model:            c.Model,
		FirmwareRevision: c.FirmwareRevision,
	}
	identify := func(context.Context) error {
		glog.Infof("identify %q: blink the light", c.Name)
		return nil
	}

	fan := accessory.NewFan("Fan")
	fan.Primary = true
	lightInfo := info
	lightInfo.Name = c.Name + " Light"
	bulb := accessory.NewLightbulb("Light")

	cf := &ceilingFan{
		fan: &accessory.Accessory{
			ID:       1,
			Category: accessory.Category(c.Category),
			Services: []*accessory.Service{accessory.NewInfoService(info, identify), fan},
		},
		light: &accessory.Accessory{
			ID:       2,
			Category: accessory.CategoryLightbulb,
			Services: []*accessory.Service{accessory.NewInfoService(lightInfo, identify), bulb},
		},
		fanOn:   fan.Characteristic(accessory.TypeOn),
		speed:   fan.Characteristic(accessory.TypeRotationSpeed),
		lightOn: bulb.Characteristic(accessory.TypeOn),
	}
	reg, err := accessory.NewRegistry(cf.fan, cf.light)
	if err != nil {
		return nil, err
	}
	reg.OnChange(func(_ context.Context, ch *accessory.Characteristic, v any) {
		switch ch {
		case cf.fanOn:
			glog.Infof("fan on: %v", v)
		case cf.speed:
			glog.Infof("fan speed: %v%%", v)
		case cf.lightOn:
			glog.Infof("light on: %v", v)
		}
	})
	cf.registry = reg
	return cf, nil
}
