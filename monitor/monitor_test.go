package monitor_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/devicefactory"
	"github.com/phantom10111/heartrate/internal/gatt"
	"github.com/phantom10111/heartrate/internal/gatttest"
	"github.com/phantom10111/heartrate/monitor"
)

const (
	strapAddr = "aa:11:22:33:44:55"
	otherAddr = "cc:66:77:88:99:00"
)

type MonitorTestSuite struct {
	suite.Suite

	rec    *gatttest.Recorder
	dev    *gatttest.Device
	logger *logrus.Logger

	origFactory func() (gatt.Device, error)
}

func (suite *MonitorTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetOutput(io.Discard)
	suite.resetDevice()

	suite.origFactory = devicefactory.DeviceFactory
	devicefactory.DeviceFactory = func() (gatt.Device, error) {
		return suite.dev, nil
	}
}

func (suite *MonitorTestSuite) TearDownTest() {
	devicefactory.DeviceFactory = suite.origFactory
}

// resetDevice swaps in a fresh fake transport and recorder. The factory
// closure installed by SetupTest reads suite.dev at call time, so subtests
// can reset state without reinstalling the override.
func (suite *MonitorTestSuite) resetDevice(advs ...ble.Advertisement) {
	suite.rec = gatttest.NewRecorder()
	suite.dev = gatttest.NewDevice(suite.rec, advs...)
}

// addPeripheral registers a connectable heart-rate strap on the fake
// transport and makes it advertise.
func (suite *MonitorTestSuite) addPeripheral(addr string) *gatttest.Client {
	client := suite.dev.AddClient(addr)
	suite.dev.Advertisements = append(suite.dev.Advertisements,
		gatttest.NewAdvertisement(addr, "HR Strap", -52, heart.ServiceUUID))
	return client
}

func (suite *MonitorTestSuite) newMonitor(address string) *monitor.Monitor {
	return monitor.New(monitor.Options{
		Address:      address,
		ScanWindow:   50 * time.Millisecond,
		DialTimeout:  time.Second,
		RetryBackoff: 20 * time.Millisecond,
	}, suite.logger)
}

func (suite *MonitorTestSuite) requireReading(ch <-chan heart.Reading, timeout time.Duration) heart.Reading {
	suite.T().Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		suite.Require().FailNow("timed out waiting for a reading")
	}
	return heart.Reading{}
}

func (suite *MonitorTestSuite) assertNoReading(ch <-chan heart.Reading, wait time.Duration) {
	suite.T().Helper()
	select {
	case r := <-ch:
		suite.Require().FailNow("unexpected reading delivered", "reading: %v", r)
	case <-time.After(wait):
	}
}

func eventIndex(events []string, needle string) int {
	for i, e := range events {
		if strings.Contains(e, needle) {
			return i
		}
	}
	return -1
}

// contactFrame encodes a minimal measurement with sensor contact detected.
func contactFrame(bpm byte) []byte {
	return []byte{0x06, bpm}
}

// GOAL: Verify the happy path: discovery, dial, profile discovery and
// notification subscription happen in order and decoded measurements reach
// both the channel and synchronous observers.
//
// TEST SCENARIO: One advertising strap on the fake transport. Connect, then
// deliver a measurement frame through the fake notification handler.
func (suite *MonitorTestSuite) TestConnectSubscribesToMeasurements() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor("")
	defer m.Dispose()

	var observed []heart.Reading
	var mu sync.Mutex
	m.Subscribe(func(r heart.Reading) {
		mu.Lock()
		observed = append(observed, r)
		mu.Unlock()
	})

	err := m.Connect(context.Background())
	suite.Require().NoError(err, "connect MUST succeed when a strap is advertising")

	suite.Assert().Equal([]string{
		"scan",
		"dial " + strapAddr,
		"discover " + strapAddr,
		"subscribe " + strapAddr + " 2a37",
	}, suite.rec.Events(), "connect MUST scan, dial, discover and subscribe in order")

	suite.Require().True(client.Notify(contactFrame(75)), "subscription MUST install a notification handler")

	reading := suite.requireReading(m.Readings(), time.Second)
	suite.Assert().NoError(reading.Err, "a decoded measurement MUST NOT carry an error")
	suite.Assert().Equal(uint16(75), reading.BPM)
	suite.Assert().Equal(heart.ContactDetected, reading.Contact)

	mu.Lock()
	defer mu.Unlock()
	suite.Require().Len(observed, 1, "observers MUST receive each published reading")
	suite.Assert().Equal(uint16(75), observed[0].BPM)
}

// GOAL: Verify that discovery without an explicit address picks the
// lexicographically lowest device address so repeated runs are
// deterministic.
//
// TEST SCENARIO: Two straps advertise; the one registered second has the
// lower address. Connect with no address configured.
func (suite *MonitorTestSuite) TestConnectPrefersLowestAddress() {
	suite.addPeripheral(otherAddr)
	suite.addPeripheral(strapAddr)
	m := suite.newMonitor("")
	defer m.Dispose()

	err := m.Connect(context.Background())
	suite.Require().NoError(err)

	events := suite.rec.Events()
	suite.Assert().GreaterOrEqual(eventIndex(events, "dial "+strapAddr), 0, "the lowest address MUST be dialed")
	suite.Assert().Equal(-1, eventIndex(events, "dial "+otherAddr), "only one device MUST be dialed")
}

// GOAL: Verify explicit-address discovery: the configured device wins even
// when another strap has a lower address, matching is case-insensitive, and
// an absent device yields a discovery failure naming it.
func (suite *MonitorTestSuite) TestConnectExplicitAddress() {
	suite.Run("connects to the requested device", func() {
		suite.resetDevice()
		suite.addPeripheral(strapAddr)
		suite.addPeripheral(otherAddr)
		m := suite.newMonitor(strings.ToUpper(otherAddr))
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Require().NoError(err)

		events := suite.rec.Events()
		suite.Assert().GreaterOrEqual(eventIndex(events, "dial "+otherAddr), 0, "the configured device MUST be dialed")
		suite.Assert().Equal(-1, eventIndex(events, "dial "+strapAddr), "a lower address MUST NOT override the configured one")
	})

	suite.Run("fails when the requested device is absent", func() {
		suite.resetDevice()
		suite.addPeripheral(strapAddr)
		m := suite.newMonitor(otherAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Require().Error(err)
		suite.Assert().ErrorIs(err, monitor.ErrDiscoveryFailed, "an absent device MUST surface as a discovery failure")
		suite.Assert().ErrorContains(err, otherAddr, "the failure MUST name the requested address")
	})

	suite.Run("fails when nothing advertises heart rate", func() {
		suite.resetDevice()
		m := suite.newMonitor("")
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Require().Error(err)
		suite.Assert().ErrorIs(err, monitor.ErrDiscoveryFailed)
		suite.Assert().ErrorContains(err, "no heart-rate devices")
	})
}

// GOAL: Verify that every stage of the connect flow maps its failure to the
// right error kind and tears the transport down instead of leaking it.
func (suite *MonitorTestSuite) TestConnectReportsFailureStage() {
	suite.Run("device factory failure", func() {
		orig := devicefactory.DeviceFactory
		devicefactory.DeviceFactory = func() (gatt.Device, error) {
			return nil, errors.New("no adapter")
		}
		defer func() { devicefactory.DeviceFactory = orig }()

		m := suite.newMonitor("")
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConnectionFailed)
		suite.Assert().ErrorContains(err, "failed to create BLE device")
	})

	suite.Run("scan failure", func() {
		suite.resetDevice()
		suite.dev.ScanErr = errors.New("hci down")
		m := suite.newMonitor("")
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrDiscoveryFailed, "a failing scan MUST surface as a discovery failure")
		suite.Assert().GreaterOrEqual(eventIndex(suite.rec.Events(), "stop device"), 0, "the transport MUST be stopped after a failed scan")
	})

	suite.Run("dial failure", func() {
		suite.resetDevice()
		suite.addPeripheral(strapAddr)
		suite.dev.DialErr = errors.New("link busy")
		m := suite.newMonitor(strapAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConnectionFailed)
		suite.Assert().ErrorContains(err, "unreachable")
		suite.Assert().GreaterOrEqual(eventIndex(suite.rec.Events(), "stop device"), 0, "the transport MUST be stopped after a failed dial")
	})

	suite.Run("profile discovery failure", func() {
		suite.resetDevice()
		client := suite.addPeripheral(strapAddr)
		client.DiscoverErr = errors.New("gatt timeout")
		m := suite.newMonitor(strapAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConnectionFailed)

		events := suite.rec.Events()
		suite.Assert().GreaterOrEqual(eventIndex(events, "cancel "+strapAddr), 0, "the link MUST be cancelled after a failed discovery")
		suite.Assert().GreaterOrEqual(eventIndex(events, "stop device"), 0)
	})

	suite.Run("missing heart-rate service", func() {
		suite.resetDevice()
		client := suite.addPeripheral(strapAddr)
		client.GATTProfile = &ble.Profile{}
		m := suite.newMonitor(strapAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConnectionFailed)
		suite.Assert().ErrorContains(err, "heart-rate service")
	})

	suite.Run("missing measurement characteristic", func() {
		suite.resetDevice()
		client := suite.addPeripheral(strapAddr)
		client.GATTProfile = &ble.Profile{
			Services: []*ble.Service{{UUID: heart.ServiceUUID}},
		}
		m := suite.newMonitor(strapAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConnectionFailed)
		suite.Assert().ErrorContains(err, "measurement characteristic")
	})

	suite.Run("subscription failure", func() {
		suite.resetDevice()
		client := suite.addPeripheral(strapAddr)
		client.SubscribeErr = errors.New("cccd write rejected")
		m := suite.newMonitor(strapAddr)
		defer m.Dispose()

		err := m.Connect(context.Background())
		suite.Assert().ErrorIs(err, monitor.ErrConfigurationFailed, "a subscription failure MUST surface as a configuration failure")
		suite.Assert().GreaterOrEqual(eventIndex(suite.rec.Events(), "cancel "+strapAddr), 0, "the link MUST be cancelled after a failed subscription")
	})
}

// GOAL: Verify that reconnecting releases the previous session completely
// before the new link is dialed, and that deliveries still in flight on the
// superseded subscription are dropped.
//
// TEST SCENARIO: Connect twice to the same strap. Capture the first
// notification handler before reconnecting and replay a frame through it
// afterwards.
func (suite *MonitorTestSuite) TestConnectReplacesPreviousSession() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)
	defer m.Dispose()

	suite.Require().NoError(m.Connect(context.Background()))
	staleHandler := client.Handler()
	suite.Require().NotNil(staleHandler)

	suite.Require().NoError(m.Connect(context.Background()))

	suite.Assert().Equal([]string{
		"scan",
		"dial " + strapAddr,
		"discover " + strapAddr,
		"subscribe " + strapAddr + " 2a37",
		"scan",
		"unsubscribe " + strapAddr + " 2a37",
		"cancel " + strapAddr,
		"stop device",
		"dial " + strapAddr,
		"discover " + strapAddr,
		"subscribe " + strapAddr + " 2a37",
	}, suite.rec.Events(), "the previous session MUST be fully released before the new dial")

	staleHandler(contactFrame(99))
	suite.assertNoReading(m.Readings(), 50*time.Millisecond)

	suite.Require().True(client.Notify(contactFrame(75)))
	reading := suite.requireReading(m.Readings(), time.Second)
	suite.Assert().Equal(uint16(75), reading.BPM, "only the live subscription MUST publish readings")
}

// GOAL: Verify that disposal is sticky: connects fail fast without touching
// hardware, repeated disposal is harmless and the readings channel stays
// open.
func (suite *MonitorTestSuite) TestDisposeBlocksFurtherConnects() {
	suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)

	m.Dispose()
	suite.Assert().True(m.IsDisposed())

	err := m.Connect(context.Background())
	suite.Assert().ErrorIs(err, monitor.ErrDisposed, "a disposed monitor MUST refuse to connect")
	suite.Assert().Empty(suite.rec.Events(), "a disposed monitor MUST NOT touch the transport")

	m.Dispose()

	select {
	case _, ok := <-m.Readings():
		suite.Assert().True(ok, "the readings channel MUST never be closed")
	default:
	}
}

// GOAL: Verify that a disposal racing an in-flight connect wins: the freshly
// built session is released, never installed, and its notifications are
// dropped.
//
// TEST SCENARIO: The fake dial disposes the monitor before returning the
// client, so the session completes its setup against an already disposed
// monitor.
func (suite *MonitorTestSuite) TestDisposeDuringConnectDiscardsSession() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)

	suite.dev.DialFunc = func(ctx context.Context, addr ble.Addr) (gatt.Client, error) {
		m.Dispose()
		return client, nil
	}

	err := m.Connect(context.Background())
	suite.Assert().ErrorIs(err, monitor.ErrDisposed)

	events := suite.rec.Events()
	subscribeIdx := eventIndex(events, "subscribe "+strapAddr)
	suite.Require().GreaterOrEqual(subscribeIdx, 0)
	suite.Assert().Greater(eventIndex(events, "unsubscribe "+strapAddr), subscribeIdx, "the discarded session MUST be unsubscribed")
	suite.Assert().Greater(eventIndex(events, "cancel "+strapAddr), subscribeIdx, "the discarded session MUST be cancelled")
	suite.Assert().Greater(eventIndex(events, "stop device"), subscribeIdx, "the discarded session MUST stop its transport")

	client.Notify(contactFrame(80))
	suite.assertNoReading(m.Readings(), 50*time.Millisecond)
}

// GOAL: Verify that Cleanup releases the live session without disposing the
// monitor, is idempotent, and leaves the monitor able to connect again.
func (suite *MonitorTestSuite) TestCleanupReleasesSession() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)
	defer m.Dispose()

	suite.Require().NoError(m.Connect(context.Background()))

	m.Cleanup()
	events := suite.rec.Events()
	suite.Assert().GreaterOrEqual(eventIndex(events, "unsubscribe "+strapAddr), 0)
	suite.Assert().GreaterOrEqual(eventIndex(events, "cancel "+strapAddr), 0)
	suite.Assert().GreaterOrEqual(eventIndex(events, "stop device"), 0)

	client.Notify(contactFrame(90))
	suite.assertNoReading(m.Readings(), 50*time.Millisecond)

	eventCount := len(suite.rec.Events())
	m.Cleanup()
	suite.Assert().Len(suite.rec.Events(), eventCount, "a second cleanup MUST be a no-op")

	suite.Assert().False(m.IsDisposed(), "cleanup MUST NOT dispose the monitor")
	suite.Assert().NoError(m.Connect(context.Background()), "the monitor MUST reconnect after cleanup")
}

// GOAL: Verify the retry loop: every failed attempt is published to
// subscribers as an error reading, attempts are spaced by the backoff, and
// the loop ends as soon as one attempt succeeds.
//
// TEST SCENARIO: The fake dial fails twice before handing out the client.
func (suite *MonitorTestSuite) TestRunRetriesUntilConnected() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)
	defer m.Dispose()

	var attempts atomic.Int32
	suite.dev.DialFunc = func(ctx context.Context, addr ble.Addr) (gatt.Client, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("interference")
		}
		return client, nil
	}

	err := m.Run(context.Background())
	suite.Require().NoError(err, "run MUST return nil once an attempt succeeds")
	suite.Assert().Equal(int32(3), attempts.Load())

	for i := 0; i < 2; i++ {
		reading := suite.requireReading(m.Readings(), time.Second)
		suite.Require().Error(reading.Err, "each failed attempt MUST be published as an error reading")
		suite.Assert().ErrorIs(reading.Err, monitor.ErrConnectionFailed)
	}

	suite.Require().True(client.Notify(contactFrame(64)))
	reading := suite.requireReading(m.Readings(), time.Second)
	suite.Assert().NoError(reading.Err)
	suite.Assert().Equal(uint16(64), reading.BPM)
}

// GOAL: Verify that Run gives up immediately on a disposed monitor without
// publishing an error reading.
func (suite *MonitorTestSuite) TestRunStopsWhenDisposed() {
	m := suite.newMonitor(strapAddr)
	m.Dispose()

	err := m.Run(context.Background())
	suite.Assert().ErrorIs(err, monitor.ErrDisposed)
	suite.assertNoReading(m.Readings(), 50*time.Millisecond)
}

// GOAL: Verify that cancelling the context ends the retry loop during the
// backoff wait instead of after the full delay.
//
// TEST SCENARIO: No device advertises, the backoff is far longer than the
// test. Cancel once the first failure has been published.
func (suite *MonitorTestSuite) TestRunHonorsContextCancellation() {
	m := monitor.New(monitor.Options{
		ScanWindow:   30 * time.Millisecond,
		RetryBackoff: time.Minute,
	}, suite.logger)
	defer m.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	reading := suite.requireReading(m.Readings(), time.Second)
	suite.Require().Error(reading.Err)
	suite.Assert().ErrorIs(reading.Err, monitor.ErrDiscoveryFailed)

	cancel()
	select {
	case err := <-done:
		suite.Assert().ErrorIs(err, context.Canceled, "run MUST surface the context error")
	case <-time.After(2 * time.Second):
		suite.Require().FailNow("run MUST return promptly after cancellation")
	}
}

// GOAL: Verify that an undecodable frame is skipped without tearing down the
// subscription and that empty deliveries are ignored.
func (suite *MonitorTestSuite) TestNotificationsSkipUndecodableFrames() {
	client := suite.addPeripheral(strapAddr)
	m := suite.newMonitor(strapAddr)
	defer m.Dispose()

	suite.Require().NoError(m.Connect(context.Background()))

	// Flags promise a uint16 heart rate but only one byte follows.
	client.Notify([]byte{0x01, 0x4B})
	client.Notify(nil)
	suite.assertNoReading(m.Readings(), 50*time.Millisecond)

	suite.Require().True(client.Notify(contactFrame(80)), "the subscription MUST survive a corrupt frame")
	reading := suite.requireReading(m.Readings(), time.Second)
	suite.Assert().Equal(uint16(80), reading.BPM)
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}
