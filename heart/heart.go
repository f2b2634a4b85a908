// Package heart implements the Bluetooth heart-rate profile pieces this
// module consumes: the 0x180D service and 0x2A37 measurement characteristic
// identifiers, the Reading event type, and the binary frame decoder.
package heart

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// GATT identifiers of the heart-rate profile.
var (
	// ServiceUUID is the Heart Rate service (org.bluetooth.service.heart_rate).
	ServiceUUID = ble.UUID16(0x180D)
	// MeasurementUUID is the Heart Rate Measurement characteristic
	// (org.bluetooth.characteristic.heart_rate_measurement).
	MeasurementUUID = ble.UUID16(0x2A37)
)

// Flags field of the first frame byte. Bits 5-7 are reserved.
const (
	flagBPMShort = 1 << 0 // BPM is uint16 when set, uint8 when clear
	flagEnergy   = 1 << 3 // EnergyExpended field present
	flagRR       = 1 << 4 // RR-interval sequence present

	contactShift = 1
	contactMask  = 0x03
)

// ContactStatus is the two-bit sensor-contact field of the measurement flags.
type ContactStatus uint8

const (
	ContactNotSupported ContactStatus = iota
	ContactNotSupported2
	ContactNone
	ContactDetected
)

func (c ContactStatus) String() string {
	switch c {
	case ContactNone:
		return "no contact"
	case ContactDetected:
		return "contact"
	default:
		return "contact not supported"
	}
}

// Reading is a single decoded heart-rate measurement. Connection failures
// travel the same event stream as measurements: an error entry has Err set
// and all other fields zero, so stream consumers observe faults without a
// separate channel.
type Reading struct {
	Flags          uint8
	Contact        ContactStatus
	BPM            uint16
	EnergyExpended uint16
	HasEnergy      bool
	RRIntervals    []uint16
	Err            error
}

// ErrorReading wraps a failure as a stream entry.
func ErrorReading(err error) Reading {
	return Reading{Err: err}
}

func (r Reading) String() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d bpm (%s)", r.BPM, r.Contact)
	if r.HasEnergy {
		fmt.Fprintf(&b, " energy=%d", r.EnergyExpended)
	}
	if len(r.RRIntervals) > 0 {
		fmt.Fprintf(&b, " rr=%v", r.RRIntervals)
	}
	return b.String()
}

// ErrEmptyFrame reports a zero-length notification payload.
var ErrEmptyFrame = errors.New("empty measurement frame")

// Decode parses a heart-rate measurement frame.
//
// Layout (little-endian): byte 0 is the flags field; BPM follows as uint8,
// or uint16 when the short-format bit is set; an optional uint16
// EnergyExpended; then, when flagged, all remaining bytes as a sequence of
// uint16 RR intervals. A trailing odd byte in the RR region is discarded.
// Decode never reads past len(data) and fails when data is shorter than the
// minimum its own flags imply.
func Decode(data []byte) (Reading, error) {
	if len(data) == 0 {
		return Reading{}, ErrEmptyFrame
	}

	flags := data[0]
	min := 2
	if flags&flagBPMShort != 0 {
		min = 3
	}
	if len(data) < min {
		return Reading{}, fmt.Errorf("measurement frame truncated: %d bytes, flags 0x%02x need %d", len(data), flags, min)
	}

	r := Reading{
		Flags:   flags,
		Contact: ContactStatus(flags >> contactShift & contactMask),
	}

	off := 1
	if flags&flagBPMShort != 0 {
		r.BPM = binary.LittleEndian.Uint16(data[off:])
		off += 2
	} else {
		r.BPM = uint16(data[off])
		off++
	}

	if flags&flagEnergy != 0 {
		if len(data)-off < 2 {
			return Reading{}, fmt.Errorf("measurement frame truncated: energy expended flagged but %d bytes remain", len(data)-off)
		}
		r.EnergyExpended = binary.LittleEndian.Uint16(data[off:])
		r.HasEnergy = true
		off += 2
	}

	if flags&flagRR != 0 {
		rest := data[off:]
		rr := make([]uint16, 0, len(rest)/2)
		for i := 0; i+1 < len(rest); i += 2 {
			rr = append(rr, binary.LittleEndian.Uint16(rest[i:]))
		}
		r.RRIntervals = rr
	}

	return r, nil
}
