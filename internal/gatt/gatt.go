// Package gatt narrows the go-ble surface this module touches to the two
// roles it actually uses: a central that scans and dials, and a connected
// client that discovers and subscribes. Production code gets both from
// devicefactory; tests substitute fakes.
package gatt

import (
	"context"

	"github.com/go-ble/ble"
)

// Device is the scanning and dialing surface of a BLE central.
type Device interface {
	// Scan runs advertisement discovery until ctx ends, invoking h for
	// every received advertisement.
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error

	// Dial opens a GATT session with the peripheral at addr.
	Dial(ctx context.Context, addr ble.Addr) (Client, error)

	// Stop shuts the central down.
	Stop() error
}

// Client is the per-session surface of a connected GATT peripheral.
type Client interface {
	Addr() ble.Addr
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}
