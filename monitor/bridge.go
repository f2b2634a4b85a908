package monitor

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/phantom10111/heartrate/heart"
)

// bridge turns raw notification payloads into published Readings. It keeps
// one reusable scratch buffer sized to the most recently seen payload, so
// the steady state of constant-size frames allocates nothing per
// notification.
type bridge struct {
	logger  *logrus.Logger
	publish func(heart.Reading)
	scratch atomic.Pointer[[]byte]
}

func newBridge(logger *logrus.Logger, publish func(heart.Reading)) *bridge {
	return &bridge{logger: logger, publish: publish}
}

// handleNotification copies the payload into the scratch buffer, decodes it
// and publishes the Reading. Undecodable frames are logged and dropped,
// never fatal to the connection. Empty payloads produce no event.
func (b *bridge) handleNotification(data []byte) {
	if len(data) == 0 {
		return
	}

	buf := b.takeScratch(len(data))
	copy(buf, data)
	reading, err := heart.Decode(buf)
	b.replaceScratch(buf)

	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"kind":  DecodeSkipped,
			"bytes": len(data),
			"error": err,
		}).Debug("Skipping undecodable measurement frame")
		return
	}

	b.publish(reading)
}

// takeScratch claims the shared buffer, reallocating only when the payload
// length changed. A concurrent claim in progress yields a fresh allocation
// instead of waiting.
func (b *bridge) takeScratch(n int) []byte {
	p := b.scratch.Swap(nil)
	if p == nil || len(*p) != n {
		return make([]byte, n)
	}
	return *p
}

// replaceScratch puts the buffer back whatever the decode outcome was.
func (b *bridge) replaceScratch(buf []byte) {
	b.scratch.Store(&buf)
}
