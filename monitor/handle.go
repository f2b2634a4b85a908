package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/phantom10111/heartrate/internal/gatt"
)

// handle is one live GATT session: the transport that dialed it, the
// connected client and the subscribed measurement characteristic. live is
// set while the handle is installed; notification deliveries that find it
// cleared are dropped.
type handle struct {
	dev    gatt.Device
	client gatt.Client
	char   *ble.Characteristic
	live   atomic.Bool
}

// release fully tears the session down: unsubscribe, disconnect, stop the
// transport. Release runs routinely on links that are already dead, so
// failures are expected and logged at debug only.
func (h *handle) release(logger *logrus.Logger) {
	h.live.Store(false)

	if h.char != nil {
		if err := h.client.Unsubscribe(h.char, false); err != nil {
			logger.WithError(err).Debug("Unsubscribe failed during release")
		}
	}
	if err := h.client.CancelConnection(); err != nil {
		logger.WithError(err).Debug("Cancel connection failed during release")
	}
	if err := h.dev.Stop(); err != nil {
		logger.WithError(err).Debug("Transport stop failed during release")
	}
}

// handleSlot owns the at-most-one live handle. The slot mutex is the
// exclusion lock shared between handle replacement and the disposal path;
// no hardware call ever runs while it is held.
type handleSlot struct {
	mu       sync.Mutex
	current  *handle
	disposed bool
}

// take removes and returns the current handle, if any.
func (s *handleSlot) take() (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.current
	s.current = nil
	return h, h != nil
}

// install makes h current and marks it live, unless the slot was disposed
// while h was being built; then ok is false and h stays dead. Any displaced
// handle is returned for the caller to release.
func (s *handleSlot) install(h *handle) (displaced *handle, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, false
	}
	displaced = s.current
	s.current = h
	h.live.Store(true)
	return displaced, true
}

// dispose marks the slot terminally closed and evicts the current handle.
// first is true only for the call that performed the transition.
func (s *handleSlot) dispose() (evicted *handle, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first = !s.disposed
	s.disposed = true
	evicted = s.current
	s.current = nil
	return evicted, first
}

func (s *handleSlot) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
