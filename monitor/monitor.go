// Package monitor maintains a live subscription to one heart-rate
// peripheral. A Monitor discovers the device, establishes the GATT session,
// subscribes to measurement notifications and republishes decoded Readings;
// a Watchdog forces it through a reconnect when the data stream stalls.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/devicefactory"
	"github.com/phantom10111/heartrate/internal/gatt"
	"github.com/phantom10111/heartrate/internal/groutine"
	"github.com/phantom10111/heartrate/scanner"
)

const (
	// DefaultScanWindow bounds candidate discovery during Connect.
	DefaultScanWindow = 10 * time.Second

	// DefaultDialTimeout bounds GATT session establishment.
	DefaultDialTimeout = 30 * time.Second

	// DefaultRetryBackoff is the fixed sleep between Run's attempts.
	DefaultRetryBackoff = 2500 * time.Millisecond

	// DefaultStreamBuffer is the capacity of the Readings channel.
	DefaultStreamBuffer = 128
)

// Options configure a Monitor. Zero values fall back to the defaults above.
type Options struct {
	// Address pins the monitor to one peripheral (48-bit address, any
	// case). Empty selects any advertiser of the heart-rate service.
	Address string

	ScanWindow   time.Duration
	DialTimeout  time.Duration
	RetryBackoff time.Duration
	StreamBuffer int
}

// Monitor owns the connection lifecycle to a heart-rate peripheral and the
// Reading event stream produced from it.
type Monitor struct {
	opts    Options
	logger  *logrus.Logger
	scanner *scanner.Scanner
	stream  *readingStream
	bridge  *bridge

	// connectMu serializes whole Connect invocations so two attempts never
	// interleave session setup. The slot's own mutex stays free for the
	// disposal path.
	connectMu sync.Mutex
	slot      handleSlot
}

// New creates a Monitor for the given target.
func New(opts Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = DefaultStreamBuffer
	}

	m := &Monitor{
		opts:    opts,
		logger:  logger,
		scanner: scanner.New(logger),
		stream:  newReadingStream(opts.StreamBuffer),
	}
	m.bridge = newBridge(logger, m.stream.publish)
	return m
}

// Subscribe registers fn to receive every Reading, error entries included.
// Observers run synchronously on the publishing goroutine and must not
// block.
func (m *Monitor) Subscribe(fn func(heart.Reading)) {
	m.stream.subscribe(fn)
}

// Readings returns the buffered reading channel. When the buffer fills, the
// oldest entry is dropped so delivery never stalls. The channel is never
// closed; stop consuming via your own context.
func (m *Monitor) Readings() <-chan heart.Reading {
	return m.stream.readings()
}

// Connect resolves the target device, establishes the GATT session,
// subscribes to heart-rate measurements and installs the session as the
// single live handle, releasing any previous one first. Failures are
// reported as *Error tagged with the failing step.
func (m *Monitor) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.connect(ctx)
}

func (m *Monitor) connect(ctx context.Context) error {
	// Disposed is sticky; bail out before touching any hardware.
	if m.slot.isDisposed() {
		return ErrDisposed
	}

	dev, err := devicefactory.DeviceFactory()
	if err != nil {
		return &Error{Kind: ConnectionFailed, Msg: "failed to create BLE device", Err: err}
	}

	candidates, err := m.scanner.ScanWithDevice(ctx, dev, scanner.Options{
		Window:          m.opts.ScanWindow,
		Address:         m.opts.Address,
		DuplicateFilter: true,
	})
	if err != nil {
		m.stopTransport(dev)
		return &Error{Kind: DiscoveryFailed, Msg: "discovery scan failed", Err: err}
	}
	if len(candidates) == 0 {
		m.stopTransport(dev)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.opts.Address != "" {
			return &Error{Kind: DiscoveryFailed, Msg: fmt.Sprintf("requested device %s not found", m.opts.Address)}
		}
		return &Error{Kind: DiscoveryFailed, Msg: "no heart-rate devices found"}
	}

	// Candidates arrive sorted by address; the lowest wins so repeated
	// connects pick the same device.
	target := candidates[0]
	if len(candidates) > 1 {
		m.logger.WithFields(logrus.Fields{
			"count":   len(candidates),
			"address": target.Address,
		}).Info("Multiple heart-rate devices found, using lowest address")
	}

	if m.slot.isDisposed() {
		m.stopTransport(dev)
		return ErrDisposed
	}

	// The old session is fully released before the new one is built, so
	// there is never more than one active subscription.
	if old, ok := m.slot.take(); ok {
		old.release(m.logger)
	}

	m.logger.WithFields(logrus.Fields{
		"address": target.Address,
		"name":    target.Name,
	}).Info("Connecting to heart-rate device...")

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, ble.NewAddr(target.Address))
	if err != nil {
		m.stopTransport(dev)
		return &Error{Kind: ConnectionFailed, Msg: fmt.Sprintf("device %s unreachable", target.Address), Err: err}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		(&handle{dev: dev, client: client}).release(m.logger)
		return &Error{Kind: ConnectionFailed, Msg: "profile discovery failed", Err: err}
	}

	svc := findHeartRateService(profile)
	if svc == nil {
		(&handle{dev: dev, client: client}).release(m.logger)
		return &Error{Kind: ConnectionFailed, Msg: fmt.Sprintf("device %s does not expose the heart-rate service", target.Address)}
	}

	char := findMeasurementChar(svc)
	if char == nil {
		(&handle{dev: dev, client: client}).release(m.logger)
		return &Error{Kind: ConnectionFailed, Msg: fmt.Sprintf("device %s has no heart-rate measurement characteristic", target.Address)}
	}

	h := &handle{dev: dev, client: client, char: char}
	if err := client.Subscribe(char, false, m.notificationHandler(h)); err != nil {
		h.release(m.logger)
		return &Error{Kind: ConfigurationFailed, Msg: "failed to enable measurement notifications", Err: err}
	}

	displaced, ok := m.slot.install(h)
	if !ok {
		// Disposal happened while the session was being built. Discard the
		// finished handle instead of installing it.
		h.release(m.logger)
		return ErrDisposed
	}
	if displaced != nil {
		displaced.release(m.logger)
	}
	disconnected := client.Disconnected()
	groutine.Go(context.Background(), "hr-link-watch", func(context.Context) {
		m.watchLink(target.Address, disconnected)
	})

	m.logger.WithFields(logrus.Fields{
		"address": target.Address,
		"name":    target.Name,
	}).Info("Heart-rate subscription active")
	return nil
}

// watchLink logs when the GATT link goes away. The channel also closes on
// deliberate teardown, so the goroutine exits for released sessions too.
func (m *Monitor) watchLink(address string, disconnected <-chan struct{}) {
	<-disconnected
	m.logger.WithField("address", address).Debug("GATT connection closed")
}

// Run keeps calling Connect until it succeeds: every failure is published
// to subscribers as an error Reading and retried after a fixed backoff. Run
// blocks for unbounded periods on hardware I/O; give it a dedicated
// goroutine. It returns nil on success, the sentinel on disposal and the
// context error on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		err := m.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDisposed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.WithError(err).Error("Connection attempt failed, retrying...")
		m.stream.publish(heart.ErrorReading(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.RetryBackoff):
		}
	}
}

// Cleanup releases the current session, if any. Idempotent.
func (m *Monitor) Cleanup() {
	if h, ok := m.slot.take(); ok {
		h.release(m.logger)
	}
}

// Dispose permanently tears the monitor down: the current session is
// released and every subsequent Connect fails fast with Disposed.
// Idempotent. An in-flight Connect is not interrupted; its result is
// discarded at the install step.
func (m *Monitor) Dispose() {
	evicted, first := m.slot.dispose()
	if evicted != nil {
		evicted.release(m.logger)
	}
	if first {
		m.logger.Info("Heart-rate monitor disposed")
	}
}

// IsDisposed reports whether Dispose has been called.
func (m *Monitor) IsDisposed() bool {
	return m.slot.isDisposed()
}

// notificationHandler binds the subscription callback to its handle so
// deliveries that outlive the session are dropped, not decoded.
func (m *Monitor) notificationHandler(h *handle) ble.NotificationHandler {
	return func(data []byte) {
		if !h.live.Load() {
			m.logger.Debug("Dropping notification from released connection")
			return
		}
		m.bridge.handleNotification(data)
	}
}

func (m *Monitor) stopTransport(dev gatt.Device) {
	if err := dev.Stop(); err != nil {
		m.logger.WithError(err).Debug("Transport stop failed")
	}
}

func findHeartRateService(p *ble.Profile) *ble.Service {
	for _, s := range p.Services {
		if heart.ServiceUUID.Equal(s.UUID) {
			return s
		}
	}
	return nil
}

func findMeasurementChar(s *ble.Service) *ble.Characteristic {
	for _, c := range s.Characteristics {
		if heart.MeasurementUUID.Equal(c.UUID) {
			return c
		}
	}
	return nil
}
