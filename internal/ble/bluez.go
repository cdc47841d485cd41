package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	serviceIface   = "org.bluez.GattService1"
	charIface      = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsSignal    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManager  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	pollInterval   = 500 * time.Millisecond
	resolveTimeout = 10 * time.Second
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BluezNavigator drives BlueZ over the system D-Bus.
type BluezNavigator struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	log         logrus.FieldLogger

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]map[int]func(map[string]dbus.Variant)
	nextID   int
	signals  chan *dbus.Signal
}

// NewBluezNavigator connects to the system bus and checks that BlueZ and the
// named adapter (e.g. "hci0") are present.
func NewBluezNavigator(adapter string, log logrus.FieldLogger) (*BluezNavigator, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus (is bluetooth.service running?)")
	}

	n := &BluezNavigator{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		log:         log,
		handlers:    make(map[dbus.ObjectPath]map[int]func(map[string]dbus.Variant)),
	}
	powered, err := n.getBool(n.adapterPath, adapterIface, "Powered")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("adapter %s: %w", adapter, err)
	}
	if !powered {
		log.WithField("adapter", adapter).Warn("bluetooth adapter is powered off")
	}

	n.signals = n.subscribePropertyChanges()
	go n.dispatch()
	return n, nil
}

// Close releases the bus connection. Closing the connection also closes the
// signal channel, which ends dispatch.
func (n *BluezNavigator) Close() error {
	return n.conn.Close()
}

// --- property helpers ---

func (n *BluezNavigator) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := n.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (n *BluezNavigator) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := n.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (n *BluezNavigator) objects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	err := n.conn.Object(busName, "/").CallWithContext(ctx, objectManager, 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

// matching lists adapter devices passing f, optionally only paired ones.
func (n *BluezNavigator) matching(ctx context.Context, f Filter, pairedOnly bool) ([]Device, error) {
	objs, err := n.objects(ctx)
	if err != nil {
		return nil, err
	}
	prefix := string(n.adapterPath) + "/"
	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		name := stringProp(props, "Name")
		if !f.Match(name) {
			continue
		}
		if pairedOnly && !boolProp(props, "Paired") {
			continue
		}
		out = append(out, &bluezDevice{nav: n, path: path, name: name, addr: stringProp(props, "Address")})
	}
	return out, nil
}

// Devices returns paired devices matching f.
func (n *BluezNavigator) Devices(ctx context.Context, f Filter) ([]Device, error) {
	return n.matching(ctx, f, true)
}

// RequestDevice runs LE discovery until a matching device shows up. There is
// no chooser on the bus, so the first match is taken; cancelling ctx is the
// user's way out.
func (n *BluezNavigator) RequestDevice(ctx context.Context, f Filter) (Device, error) {
	adapter := n.conn.Object(busName, n.adapterPath)
	filter := map[string]interface{}{"Transport": "le"}
	if len(f.Services) > 0 {
		filter["UUIDs"] = f.Services
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return nil, fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			n.log.WithError(err).Debug("stop discovery")
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		devices, err := n.matching(ctx, f, false)
		if err != nil {
			return nil, err
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRequestCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// --- signal dispatch ---

func (n *BluezNavigator) subscribePropertyChanges() chan *dbus.Signal {
	n.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	ch := make(chan *dbus.Signal, 16)
	n.conn.Signal(ch)
	return ch
}

func (n *BluezNavigator) dispatch() {
	for sig := range n.signals {
		if sig.Name != propsSignal {
			continue
		}
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		if len(sig.Body) < 2 {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		n.mu.Lock()
		fns := make([]func(map[string]dbus.Variant), 0, len(n.handlers[sig.Path]))
		for _, fn := range n.handlers[sig.Path] {
			fns = append(fns, fn)
		}
		n.mu.Unlock()
		for _, fn := range fns {
			fn(changed)
		}
	}
}

func (n *BluezNavigator) watch(path dbus.ObjectPath, fn func(map[string]dbus.Variant)) (cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.handlers[path] == nil {
		n.handlers[path] = make(map[int]func(map[string]dbus.Variant))
	}
	n.handlers[path][id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.handlers[path], id)
		if len(n.handlers[path]) == 0 {
			delete(n.handlers, path)
		}
		n.mu.Unlock()
	}
}

// --- device ---

type bluezDevice struct {
	nav  *BluezNavigator
	path dbus.ObjectPath
	name string
	addr string
}

func (d *bluezDevice) ID() string   { return d.addr }
func (d *bluezDevice) Name() string { return d.name }

func (d *bluezDevice) Connect(ctx context.Context) error {
	obj := d.nav.conn.Object(busName, d.path)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("connect %s: %w", d.addr, err)
	}
	return nil
}

func (d *bluezDevice) Connected() bool {
	connected, err := d.nav.getBool(d.path, deviceIface, "Connected")
	return err == nil && connected
}

func (d *bluezDevice) Disconnect() error {
	obj := d.nav.conn.Object(busName, d.path)
	return obj.Call(deviceIface+".Disconnect", 0).Err
}

func (d *bluezDevice) OnDisconnect(fn func()) func() {
	return d.nav.watch(d.path, func(changed map[string]dbus.Variant) {
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, ok := v.Value().(bool); ok && !connected {
			go fn()
		}
	})
}

// waitResolved blocks until BlueZ has finished GATT discovery.
func (d *bluezDevice) waitResolved(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		resolved, err := d.nav.getBool(d.path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("resolve services on %s: %w", d.addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

// child finds the object below parent implementing iface with the given UUID.
func (n *BluezNavigator) child(ctx context.Context, parent dbus.ObjectPath, iface, uuid string) (dbus.ObjectPath, error) {
	objs, err := n.objects(ctx)
	if err != nil {
		return "", err
	}
	prefix := string(parent) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[iface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if strings.EqualFold(stringProp(props, "UUID"), uuid) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s %s: %w", iface, uuid, ErrNotFound)
}

func (d *bluezDevice) PrimaryService(ctx context.Context, uuid string) (Service, error) {
	if err := d.waitResolved(ctx); err != nil {
		return nil, err
	}
	path, err := d.nav.child(ctx, d.path, serviceIface, uuid)
	if err != nil {
		return nil, err
	}
	return &bluezService{nav: d.nav, path: path}, nil
}

type bluezService struct {
	nav  *BluezNavigator
	path dbus.ObjectPath
}

func (s *bluezService) Characteristic(ctx context.Context, uuid string) (Characteristic, error) {
	path, err := s.nav.child(ctx, s.path, charIface, uuid)
	if err != nil {
		return nil, err
	}
	return &bluezCharacteristic{nav: s.nav, path: path}, nil
}

type bluezCharacteristic struct {
	nav  *BluezNavigator
	path dbus.ObjectPath
}

func (c *bluezCharacteristic) StartNotifications(ctx context.Context, fn func([]byte)) (func(), error) {
	cancel := c.nav.watch(c.path, func(changed map[string]dbus.Variant) {
		v, ok := changed["Value"]
		if !ok {
			return
		}
		if b, ok := v.Value().([]byte); ok {
			fn(b)
		}
	})
	obj := c.nav.conn.Object(busName, c.path)
	if err := obj.CallWithContext(ctx, charIface+".StartNotify", 0).Err; err != nil {
		cancel()
		return nil, fmt.Errorf("start notify: %w", err)
	}
	return func() {
		cancel()
		if err := obj.Call(charIface+".StopNotify", 0).Err; err != nil {
			c.nav.log.WithError(err).Debug("stop notify")
		}
	}, nil
}
