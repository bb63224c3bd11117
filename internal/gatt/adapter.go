// Package gatt provides a resilient client on top of a raw BLE GATT
// transport. It hides transient platform failures behind asynchronous
// write/read/subscribe operations that retry with exponential backoff
// inside per-operation time budgets, resolves logical characteristics
// through primary/fallback UUID pairs, and reconnects automatically when
// the underlying link drops.
package gatt

import "context"

// TxPower is a transmit power hint passed to the platform when connecting.
// Backends that cannot set the power level ignore it.
type TxPower int

const (
	TxPowerUnknown TxPower = iota
	TxPowerUltraLow
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

// WriteMode selects between acknowledged and unacknowledged GATT writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Characteristic is a single GATT characteristic on a live connection.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte, mode WriteMode) error
	// Read returns the current characteristic value.
	Read() ([]byte, error)
	// Subscribe enables or disables value notifications. fn may be invoked
	// on any goroutine the platform chooses. fn is ignored when disabling.
	Subscribe(enable bool, fn func(data []byte)) error
}

// Conn is an open GATT connection to a peripheral.
type Conn interface {
	// DiscoverServices performs service and characteristic discovery for
	// the given service and characteristic UUIDs. It fails if the service
	// or any of the requested characteristics is missing.
	DiscoverServices(serviceUUID string, charUUIDs []string) error
	// GetCharacteristic returns a previously discovered characteristic,
	// or an error matching ErrNotFound if the server does not expose it.
	GetCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the platform BLE stack.
type Adapter interface {
	// Enable powers on the BLE adapter. Safe to call more than once.
	Enable() error
	// Connect opens a GATT connection to the peripheral at addr.
	// onDisconnect fires once if the link later drops unexpectedly.
	Connect(ctx context.Context, addr string, txPower TxPower, onDisconnect func()) (Conn, error)
}
