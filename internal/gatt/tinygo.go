package gatt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter implements Adapter on top of tinygo.org/x/bluetooth, which
// works against BlueZ on Linux and CoreBluetooth on macOS.
//
// Limitations of this backend: the transmit power hint is not supported,
// and writes are issued without response regardless of the requested
// mode. The BlueZ backend honors both.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
	conns   map[string]*tinygoConn // keyed by device address
}

// NewTinygoAdapter creates a BLE adapter backed by the platform default
// bluetooth stack.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter: bluetooth.DefaultAdapter,
		conns:   make(map[string]*tinygoConn),
	}
}

func (a *TinygoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only place tinygo/bluetooth reports
	// disconnects, so route them to the per-connection callback here.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn := a.conns[id]
		delete(a.conns, id)
		a.mu.Unlock()
		if conn != nil {
			conn.handleDisconnect()
		}
	})

	a.enabled = true
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, addr string, _ TxPower, onDisconnect func()) (Conn, error) {
	var address bluetooth.Address
	address.Set(addr)

	// tinygo/bluetooth's Connect blocks with its own internal timeout.
	// Wrap it so our ctx deadline is respected too.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("gatt: connect %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("gatt: connect %s: %w", addr, result.err)
		}
		conn := &tinygoConn{
			device:       result.device,
			onDisconnect: onDisconnect,
			chars:        make(map[string]bluetooth.DeviceCharacteristic),
		}
		a.mu.Lock()
		a.conns[addr] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConn struct {
	device       bluetooth.Device
	onDisconnect func()

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic // keyed by lowercase UUID
}

func (c *tinygoConn) handleDisconnect() {
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *tinygoConn) DiscoverServices(serviceUUID string, charUUIDs []string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("gatt: parse service UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("gatt: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("gatt: service %s: %w", serviceUUID, ErrNotFound)
	}

	// Enumerate everything the service exposes so later fallback lookups
	// hit the cache instead of going back to the platform.
	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("gatt: discover characteristics: %w", err)
	}
	c.mu.Lock()
	for _, char := range chars {
		c.chars[strings.ToLower(char.UUID().String())] = char
	}
	c.mu.Unlock()

	for _, uuid := range charUUIDs {
		if _, err := c.GetCharacteristic(serviceUUID, uuid); err != nil {
			return fmt.Errorf("gatt: characteristic %s: %w", uuid, ErrNotFound)
		}
	}
	return nil
}

func (c *tinygoConn) GetCharacteristic(_, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[strings.ToLower(charUUID)]
	if !ok {
		return nil, fmt.Errorf("gatt: characteristic %s: %w", charUUID, ErrNotFound)
	}
	return &tinygoCharacteristic{char: char}, nil
}

func (c *tinygoConn) Disconnect() error {
	return c.device.Disconnect()
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (t *tinygoCharacteristic) Write(data []byte, _ WriteMode) error {
	_, err := t.char.WriteWithoutResponse(data)
	return err
}

func (t *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := t.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *tinygoCharacteristic) Subscribe(enable bool, fn func([]byte)) error {
	if !enable {
		// Passing nil disables notifications.
		return t.char.EnableNotifications(nil)
	}
	return t.char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	})
}
