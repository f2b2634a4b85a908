// Package gatttest provides in-memory fakes of the gatt interfaces. The
// fakes share a Recorder so tests can assert the exact order of hardware
// calls (scan, dial, subscribe, release).
package gatttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/gatt"
)

// Recorder is a shared, ordered log of fake hardware calls.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// HeartRateProfile builds a GATT profile containing the heart-rate service
// with its measurement characteristic.
func HeartRateProfile() *ble.Profile {
	return &ble.Profile{
		Services: []*ble.Service{
			{
				UUID: heart.ServiceUUID,
				Characteristics: []*ble.Characteristic{
					{UUID: heart.MeasurementUUID, Property: ble.CharNotify},
				},
			},
		},
	}
}

// Device is a fake gatt.Device. Scan replays Advertisements and then blocks
// until the scan context ends, matching real scan-window behavior. Dial
// hands out the Client registered for the address.
type Device struct {
	Rec            *Recorder
	Advertisements []ble.Advertisement
	Clients        map[string]*Client
	ScanErr        error
	DialErr        error

	// DialFunc overrides the Clients lookup when set.
	DialFunc func(ctx context.Context, addr ble.Addr) (gatt.Client, error)
}

// NewDevice returns a fake device that advertises advs and dials clients.
func NewDevice(rec *Recorder, advs ...ble.Advertisement) *Device {
	return &Device{
		Rec:            rec,
		Advertisements: advs,
		Clients:        make(map[string]*Client),
	}
}

// AddClient registers a dialable peripheral with a heart-rate profile and
// returns its fake client.
func (d *Device) AddClient(addr string) *Client {
	c := NewClient(addr, d.Rec)
	d.Clients[addr] = c
	return c
}

func (d *Device) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	d.Rec.Record("scan")
	if d.ScanErr != nil {
		return d.ScanErr
	}
	for _, adv := range d.Advertisements {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *Device) Dial(ctx context.Context, addr ble.Addr) (gatt.Client, error) {
	d.Rec.Record("dial %s", addr)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.DialFunc != nil {
		return d.DialFunc(ctx, addr)
	}
	c, ok := d.Clients[addr.String()]
	if !ok {
		return nil, fmt.Errorf("no peripheral at %s", addr)
	}
	return c, nil
}

func (d *Device) Stop() error {
	d.Rec.Record("stop device")
	return nil
}

// Client is a fake gatt.Client for a single peripheral.
type Client struct {
	Rec          *Recorder
	Address      string
	GATTProfile  *ble.Profile
	DiscoverErr  error
	SubscribeErr error

	mu           sync.Mutex
	handler      ble.NotificationHandler
	disconnected chan struct{}
	closeOnce    sync.Once
}

// NewClient returns a fake client exposing the heart-rate profile.
func NewClient(addr string, rec *Recorder) *Client {
	return &Client{
		Rec:          rec,
		Address:      addr,
		GATTProfile:  HeartRateProfile(),
		disconnected: make(chan struct{}),
	}
}

func (c *Client) Addr() ble.Addr { return ble.NewAddr(c.Address) }

func (c *Client) DiscoverProfile(force bool) (*ble.Profile, error) {
	c.Rec.Record("discover %s", c.Address)
	if c.DiscoverErr != nil {
		return nil, c.DiscoverErr
	}
	return c.GATTProfile, nil
}

func (c *Client) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.Rec.Record("subscribe %s %s", c.Address, char.UUID)
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

// Unsubscribe records the call but keeps the handler installed: in-flight
// deliveries outlive unsubscription on real hardware, and tests drive that
// case through Notify.
func (c *Client) Unsubscribe(char *ble.Characteristic, ind bool) error {
	c.Rec.Record("unsubscribe %s %s", c.Address, char.UUID)
	return nil
}

func (c *Client) CancelConnection() error {
	c.Rec.Record("cancel %s", c.Address)
	c.closeOnce.Do(func() { close(c.disconnected) })
	return nil
}

func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Notify delivers a raw frame through the registered notification handler,
// as the hardware delivery goroutine would. It reports whether a handler
// was installed.
func (c *Client) Notify(data []byte) bool {
	h := c.Handler()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Handler returns the notification handler currently registered by Subscribe.
// Tests hold on to it to replay deliveries against a superseded subscription.
func (c *Client) Handler() ble.NotificationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}
