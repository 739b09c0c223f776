// Package gatt defines the attribute-link contract the core consumes: the
// GATT service layout, the Link interface over which client writes arrive
// and response notifications leave, and a WebSocket development bridge that
// stands in for the BLE controller.
package gatt

import (
	"errors"

	"github.com/google/uuid"
)

// DefaultDeviceName is the advertised name when no rename is persisted.
const DefaultDeviceName = "Toothpaste"

// Service and characteristic identities of the attribute service.
var (
	// ServiceUUID is the device's single GATT service.
	ServiceUUID = uuid.MustParse("19b10000-e8f2-537e-4f6c-d104768a1214")

	// DataCharUUID carries client-to-device DataPacket writes.
	DataCharUUID = uuid.MustParse("6856e119-2c7b-455a-bf42-cf7ddd2c5907")

	// ResponseCharUUID carries device-to-client ResponsePacket notifies.
	ResponseCharUUID = uuid.MustParse("6856e119-2c7b-455a-bf42-cf7ddd2c5908")

	// FactoryIDCharUUID exposes the stable 6-byte factory identifier.
	FactoryIDCharUUID = uuid.MustParse("19b10002-e8f2-537e-4f6c-d104768a1214")
)

// ErrNotConnected is returned when notifying without a connected central.
var ErrNotConnected = errors.New("no central connected")

// ConnEvent reports a central connecting or disconnecting. Manual marks a
// disconnect the device itself requested (e.g. closing the link on shutdown), as
// opposed to the central dropping the link.
type ConnEvent struct {
	Connected bool
	Manual    bool
}

// Link is the attribute transport the core drives. Implementations deliver
// every client write on the data characteristic to the write handler, and
// connection transitions to the connection handler. Only one central is
// served at a time; implementations reject further centrals while one is
// connected and re-advertise after a disconnect.
type Link interface {
	// SetWriteHandler installs the callback for inbound attribute writes.
	// The handler must not block beyond a bounded enqueue.
	SetWriteHandler(func(data []byte))

	// SetConnectionHandler installs the callback for connect/disconnect.
	SetConnectionHandler(func(ConnEvent))

	// Notify pushes an encoded ResponsePacket to the connected central.
	Notify(data []byte) error

	// Advertise (re)starts advertising under the given name with the
	// factory identifier readable on its characteristic.
	Advertise(name string, factoryID [6]byte) error

	// Close tears the link down.
	Close() error
}
