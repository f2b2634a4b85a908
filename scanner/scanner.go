// Package scanner discovers heart-rate peripherals: it runs BLE
// advertisement scans, keeps one Candidate per advertiser, and reports the
// result set ordered by address.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/devicefactory"
	"github.com/phantom10111/heartrate/internal/gatt"
)

// Candidate is one discovered heart-rate advertiser.
type Candidate struct {
	Address  string
	Name     string
	RSSI     int
	Services []string
}

// Options configures a discovery pass.
type Options struct {
	// Window bounds the scan duration; zero scans until ctx ends.
	Window time.Duration

	// Address restricts discovery to one peripheral and stops the scan as
	// soon as it is seen. Empty means any advertiser of the heart-rate
	// service is eligible.
	Address string

	// DuplicateFilter suppresses repeated advertisements at the HCI level.
	DuplicateFilter bool
}

// DefaultOptions returns the discovery options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Window:          10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE heart-rate device discovery.
type Scanner struct {
	logger *logrus.Logger
}

// New creates a Scanner.
func New(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{logger: logger}
}

// Scan creates a transport, runs discovery on it and shuts it down again.
func (s *Scanner) Scan(ctx context.Context, opts Options) ([]Candidate, error) {
	dev, err := devicefactory.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	defer func() {
		if stopErr := dev.Stop(); stopErr != nil {
			s.logger.WithError(stopErr).Warn("Failed to stop BLE device after scan")
		}
	}()

	return s.ScanWithDevice(ctx, dev, opts)
}

// ScanWithDevice runs discovery on an existing transport. The connection
// path uses this to scan and dial through the same device.
func (s *Scanner) ScanWithDevice(ctx context.Context, dev gatt.Device, opts Options) ([]Candidate, error) {
	var scanCtx context.Context
	var cancel context.CancelFunc
	if opts.Window > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Window)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	target := NormalizeAddr(opts.Address)
	found := hashmap.New[string, Candidate]()

	s.logger.WithFields(logrus.Fields{
		"window": opts.Window,
		"target": target,
	}).Info("Starting heart-rate discovery scan...")

	handler := func(adv ble.Advertisement) {
		addr := NormalizeAddr(adv.Addr().String())
		if target != "" {
			if addr != target {
				return
			}
		} else if !advertisesHeartRate(adv) {
			return
		}

		cand := Candidate{
			Address:  addr,
			Name:     adv.LocalName(),
			RSSI:     adv.RSSI(),
			Services: serviceStrings(adv),
		}
		if _, existing := found.GetOrInsert(addr, cand); existing {
			return
		}

		s.logger.WithFields(logrus.Fields{
			"address": cand.Address,
			"name":    cand.Name,
			"rssi":    cand.RSSI,
		}).Info("Discovered heart-rate device")

		// An explicit target needs no further enumeration.
		if target != "" {
			cancel()
		}
	}

	err := dev.Scan(scanCtx, opts.DuplicateFilter, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	candidates := make([]Candidate, 0, found.Len())
	found.Range(func(_ string, c Candidate) bool {
		candidates = append(candidates, c)
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Address < candidates[j].Address
	})

	s.logger.WithField("device_count", len(candidates)).Info("Heart-rate discovery scan completed")
	return candidates, nil
}

// NormalizeAddr lowercases a device address so lookups and comparisons are
// case-insensitive.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func advertisesHeartRate(adv ble.Advertisement) bool {
	for _, u := range adv.Services() {
		if heart.ServiceUUID.Equal(u) {
			return true
		}
	}
	return false
}

func serviceStrings(adv ble.Advertisement) []string {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}
	return services
}
