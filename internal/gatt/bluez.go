package gatt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName       = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	bluezDeviceIface   = "org.bluez.Device1"
	bluezServiceIface  = "org.bluez.GattService1"
	bluezCharIface     = "org.bluez.GattCharacteristic1"
	dbusPropsIface     = "org.freedesktop.DBus.Properties"
	servicesResolvedTO = 10 * time.Second
)

// BluezAdapter implements Adapter directly against the BlueZ D-Bus API.
// Unlike the tinygo backend it honors the write mode and reports
// characteristic-level permission errors as permanent.
type BluezAdapter struct {
	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
}

// NewBluezAdapter connects to the system bus and targets the hci adapter
// with the given index.
func NewBluezAdapter(adapterID int) (*BluezAdapter, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("gatt: system bus: %w", err)
	}
	return &BluezAdapter{
		bus:         bus,
		adapterPath: dbus.ObjectPath(fmt.Sprintf("/org/bluez/hci%d", adapterID)),
	}, nil
}

func (a *BluezAdapter) Enable() error {
	obj := a.bus.Object(bluezBusName, a.adapterPath)
	call := obj.Call(dbusPropsIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("gatt: power on %s: %w", a.adapterPath, call.Err)
	}
	return nil
}

// devicePath converts a MAC address into the BlueZ object path for the
// device under this adapter (XX:XX:XX:XX:XX:XX -> dev_XX_XX_XX_XX_XX_XX).
func (a *BluezAdapter) devicePath(addr string) dbus.ObjectPath {
	part := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(a.adapterPath) + "/dev_" + part)
}

func (a *BluezAdapter) Connect(ctx context.Context, addr string, _ TxPower, onDisconnect func()) (Conn, error) {
	path := a.devicePath(addr)
	obj := a.bus.Object(bluezBusName, path)
	if call := obj.CallWithContext(ctx, bluezDeviceIface+".Connect", 0); call.Err != nil {
		return nil, fmt.Errorf("gatt: connect %s: %w", addr, call.Err)
	}

	conn := &bluezConn{
		bus:          a.bus,
		devicePath:   path,
		onDisconnect: onDisconnect,
		charPaths:    make(map[string]dbus.ObjectPath),
		notify:       make(map[dbus.ObjectPath]func([]byte)),
		signals:      make(chan *dbus.Signal, 64),
	}
	if err := conn.watch(); err != nil {
		obj.Call(bluezDeviceIface+".Disconnect", 0)
		return nil, err
	}
	return conn, nil
}

var _ Adapter = (*BluezAdapter)(nil)

type bluezConn struct {
	bus          *dbus.Conn
	devicePath   dbus.ObjectPath
	onDisconnect func()
	matchRule    string

	mu        sync.Mutex
	closed    bool
	charPaths map[string]dbus.ObjectPath // lowercase UUID -> path
	notify    map[dbus.ObjectPath]func([]byte)
	signals   chan *dbus.Signal
	torn      sync.Once
}

// watch subscribes to PropertiesChanged signals under the device path.
// They carry both characteristic value notifications and the Connected
// property flip that signals an unexpected disconnect.
func (c *bluezConn) watch() error {
	c.matchRule = fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		bluezBusName, dbusPropsIface, c.devicePath)
	call := c.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, c.matchRule)
	if call.Err != nil {
		return fmt.Errorf("gatt: add match: %w", call.Err)
	}
	c.bus.Signal(c.signals)
	go c.dispatch()
	return nil
}

func (c *bluezConn) dispatch() {
	for sig := range c.signals {
		if sig == nil || len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		switch iface {
		case bluezDeviceIface:
			if sig.Path != c.devicePath {
				continue
			}
			if connected, ok := changed["Connected"].Value().(bool); ok && !connected {
				c.handleDisconnect()
				return
			}
		case bluezCharIface:
			variant, ok := changed["Value"]
			if !ok {
				continue
			}
			value, ok := variant.Value().([]byte)
			if !ok {
				continue
			}
			c.mu.Lock()
			fn := c.notify[sig.Path]
			c.mu.Unlock()
			if fn != nil {
				fn(value)
			}
		}
	}
}

func (c *bluezConn) handleDisconnect() {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	if !wasClosed && c.onDisconnect != nil {
		slog.Debug("[BLUEZ] device disconnected", "path", c.devicePath)
		c.onDisconnect()
	}
}

func (c *bluezConn) teardown() {
	c.torn.Do(func() {
		c.bus.RemoveSignal(c.signals)
		c.bus.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, c.matchRule)
		// Safe to close: RemoveSignal guarantees no further sends.
		close(c.signals)
	})
}

// DiscoverServices waits for BlueZ to finish its own service resolution,
// then indexes every characteristic under the target service by UUID.
func (c *bluezConn) DiscoverServices(serviceUUID string, charUUIDs []string) error {
	if err := c.waitServicesResolved(); err != nil {
		return err
	}
	if err := c.indexCharacteristics(serviceUUID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uuid := range charUUIDs {
		if _, ok := c.charPaths[strings.ToLower(uuid)]; !ok {
			return fmt.Errorf("gatt: characteristic %s: %w", uuid, ErrNotFound)
		}
	}
	return nil
}

func (c *bluezConn) waitServicesResolved() error {
	obj := c.bus.Object(bluezBusName, c.devicePath)
	deadline := time.Now().Add(servicesResolvedTO)
	for time.Now().Before(deadline) {
		var variant dbus.Variant
		err := obj.Call(dbusPropsIface+".Get", 0, bluezDeviceIface, "ServicesResolved").Store(&variant)
		if err != nil {
			return fmt.Errorf("gatt: services resolved: %w", err)
		}
		if resolved, ok := variant.Value().(bool); ok && resolved {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("gatt: services resolved: %w", ErrDeadlineExceeded)
}

func (c *bluezConn) indexCharacteristics(serviceUUID string) error {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := c.bus.Object(bluezBusName, "/")
	err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return fmt.Errorf("gatt: managed objects: %w", err)
	}

	var servicePath dbus.ObjectPath
	want := strings.ToLower(serviceUUID)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(c.devicePath)) {
			continue
		}
		svc, ok := ifaces[bluezServiceIface]
		if !ok {
			continue
		}
		if uuid, ok := svc["UUID"].Value().(string); ok && strings.ToLower(uuid) == want {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return fmt.Errorf("gatt: service %s: %w", serviceUUID, ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(servicePath)+"/") {
			continue
		}
		char, ok := ifaces[bluezCharIface]
		if !ok {
			continue
		}
		if uuid, ok := char["UUID"].Value().(string); ok {
			c.charPaths[strings.ToLower(uuid)] = path
		}
	}
	return nil
}

func (c *bluezConn) GetCharacteristic(_, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	path, ok := c.charPaths[strings.ToLower(charUUID)]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gatt: characteristic %s: %w", charUUID, ErrNotFound)
	}
	return &bluezCharacteristic{conn: c, path: path}, nil
}

func (c *bluezConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	obj := c.bus.Object(bluezBusName, c.devicePath)
	if call := obj.Call(bluezDeviceIface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("gatt: disconnect: %w", call.Err)
	}
	return nil
}

type bluezCharacteristic struct {
	conn *bluezConn
	path dbus.ObjectPath
}

func (ch *bluezCharacteristic) obj() dbus.BusObject {
	return ch.conn.bus.Object(bluezBusName, ch.path)
}

func (ch *bluezCharacteristic) Write(data []byte, mode WriteMode) error {
	writeType := "request"
	if mode == WriteWithoutResponse {
		writeType = "command"
	}
	options := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
	if call := ch.obj().Call(bluezCharIface+".WriteValue", 0, data, options); call.Err != nil {
		return classifyBluezError(call.Err)
	}
	return nil
}

func (ch *bluezCharacteristic) Read() ([]byte, error) {
	var value []byte
	err := ch.obj().Call(bluezCharIface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
	if err != nil {
		return nil, classifyBluezError(err)
	}
	return value, nil
}

func (ch *bluezCharacteristic) Subscribe(enable bool, fn func([]byte)) error {
	if !enable {
		ch.conn.mu.Lock()
		delete(ch.conn.notify, ch.path)
		ch.conn.mu.Unlock()
		if call := ch.obj().Call(bluezCharIface+".StopNotify", 0); call.Err != nil {
			return classifyBluezError(call.Err)
		}
		return nil
	}

	ch.conn.mu.Lock()
	ch.conn.notify[ch.path] = fn
	ch.conn.mu.Unlock()
	if call := ch.obj().Call(bluezCharIface+".StartNotify", 0); call.Err != nil {
		// BlueZ keeps notification state across clients.
		if strings.Contains(call.Err.Error(), "Already notifying") {
			return nil
		}
		ch.conn.mu.Lock()
		delete(ch.conn.notify, ch.path)
		ch.conn.mu.Unlock()
		return classifyBluezError(call.Err)
	}
	return nil
}

// classifyBluezError wraps authorization-class D-Bus failures as permanent
// so the retry template does not spin on them.
func classifyBluezError(err error) error {
	var derr dbus.Error
	if errors.As(err, &derr) {
		switch derr.Name {
		case "org.bluez.Error.NotAuthorized",
			"org.bluez.Error.NotPermitted",
			"org.bluez.Error.NotSupported":
			return &PermanentError{Err: err}
		}
	}
	return err
}
