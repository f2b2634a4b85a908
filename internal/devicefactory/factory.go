package devicefactory

import (
	"context"

	"github.com/go-ble/ble"

	"github.com/phantom10111/heartrate/internal/gatt"
)

// bleDevice adapts a raw ble.Device to the gatt.Device interface.
type bleDevice struct {
	dev ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d *bleDevice) Dial(ctx context.Context, addr ble.Addr) (gatt.Client, error) {
	client, err := d.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *bleDevice) Stop() error {
	return d.dev.Stop()
}

// DeviceFactory creates gatt.Device instances for scanning and dialing.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func() (gatt.Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return &bleDevice{dev: dev}, nil
}
