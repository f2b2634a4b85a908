package gatttest

import "github.com/go-ble/ble"

// Advertisement is a canned ble.Advertisement.
type Advertisement struct {
	Address      string
	Name         string
	Signal       int
	ServiceUUIDs []ble.UUID
	MfgData      []byte
	SvcData      []ble.ServiceData
	TxPower      int
	CanConnect   bool
}

// NewAdvertisement returns a connectable advertisement for the given
// address carrying the listed service UUIDs.
func NewAdvertisement(address, name string, rssi int, services ...ble.UUID) *Advertisement {
	return &Advertisement{
		Address:      address,
		Name:         name,
		Signal:       rssi,
		ServiceUUIDs: services,
		TxPower:      127,
		CanConnect:   true,
	}
}

func (a *Advertisement) LocalName() string              { return a.Name }
func (a *Advertisement) ManufacturerData() []byte       { return a.MfgData }
func (a *Advertisement) ServiceData() []ble.ServiceData { return a.SvcData }
func (a *Advertisement) Services() []ble.UUID           { return a.ServiceUUIDs }
func (a *Advertisement) OverflowService() []ble.UUID    { return nil }
func (a *Advertisement) TxPowerLevel() int              { return a.TxPower }
func (a *Advertisement) Connectable() bool              { return a.CanConnect }
func (a *Advertisement) SolicitedService() []ble.UUID   { return nil }
func (a *Advertisement) RSSI() int                      { return a.Signal }
func (a *Advertisement) Addr() ble.Addr                 { return ble.NewAddr(a.Address) }
