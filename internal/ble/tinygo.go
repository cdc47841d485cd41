package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// TinygoNavigator uses tinygo.org/x/bluetooth, which also runs on macOS and
// Windows where BlueZ is unavailable.
type TinygoNavigator struct {
	adapter *bluetooth.Adapter
	log     logrus.FieldLogger

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	scanning bool
	dropped  map[string]map[int]func()
	nextID   int
}

func NewTinygoNavigator(log logrus.FieldLogger) *TinygoNavigator {
	return &TinygoNavigator{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
		dropped: make(map[string]map[int]func()),
	}
}

func (n *TinygoNavigator) enable() error {
	n.enableOnce.Do(func() {
		if err := n.adapter.Enable(); err != nil {
			n.enableErr = fmt.Errorf("enable adapter: %w", err)
			return
		}
		n.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := device.Address.String()
			n.mu.Lock()
			fns := make([]func(), 0, len(n.dropped[addr]))
			for _, fn := range n.dropped[addr] {
				fns = append(fns, fn)
			}
			n.mu.Unlock()
			for _, fn := range fns {
				go fn()
			}
		})
	})
	return n.enableErr
}

// scan reports matching advertisements until ctx ends or found returns true.
func (n *TinygoNavigator) scan(ctx context.Context, f Filter, found func(bluetooth.ScanResult) bool) error {
	if err := n.enable(); err != nil {
		return err
	}
	n.mu.Lock()
	if n.scanning {
		n.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	n.scanning = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.scanning = false
		n.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			n.adapter.StopScan()
		case <-done:
		}
	}()

	return n.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !f.Match(result.LocalName()) {
			return
		}
		if found(result) {
			a.StopScan()
		}
	})
}

// Devices scans until ctx ends and returns every matching device seen. The
// library keeps no pairing list, so callers should bound ctx.
func (n *TinygoNavigator) Devices(ctx context.Context, f Filter) ([]Device, error) {
	seen := map[string]bool{}
	var out []Device
	err := n.scan(ctx, f, func(r bluetooth.ScanResult) bool {
		addr := r.Address.String()
		if !seen[addr] {
			seen[addr] = true
			out = append(out, n.device(r))
		}
		return false
	})
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	return out, nil
}

// RequestDevice scans until the first matching device or ctx ends.
func (n *TinygoNavigator) RequestDevice(ctx context.Context, f Filter) (Device, error) {
	var dev Device
	err := n.scan(ctx, f, func(r bluetooth.ScanResult) bool {
		dev = n.device(r)
		return true
	})
	if dev != nil {
		return dev, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestCancelled, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrRequestCancelled
}

func (n *TinygoNavigator) device(r bluetooth.ScanResult) *tinygoDevice {
	return &tinygoDevice{nav: n, address: r.Address, name: r.LocalName()}
}

func (n *TinygoNavigator) onDrop(addr string, fn func()) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.dropped[addr] == nil {
		n.dropped[addr] = make(map[int]func())
	}
	n.dropped[addr][id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.dropped[addr], id)
		if len(n.dropped[addr]) == 0 {
			delete(n.dropped, addr)
		}
		n.mu.Unlock()
	}
}

type tinygoDevice struct {
	nav     *TinygoNavigator
	address bluetooth.Address
	name    string

	mu        sync.Mutex
	dev       bluetooth.Device
	connected bool
}

func (d *tinygoDevice) ID() string   { return d.address.String() }
func (d *tinygoDevice) Name() string { return d.name }

func (d *tinygoDevice) Connect(context.Context) error {
	if err := d.nav.enable(); err != nil {
		return err
	}
	dev, err := d.nav.adapter.Connect(d.address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.ID(), err)
	}
	d.mu.Lock()
	d.dev = dev
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *tinygoDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *tinygoDevice) OnDisconnect(fn func()) func() {
	return d.nav.onDrop(d.ID(), func() {
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
		fn()
	})
}

func (d *tinygoDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	return d.dev.Disconnect()
}

func (d *tinygoDevice) PrimaryService(_ context.Context, uuid string) (Service, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	services, err := dev.DiscoverServices([]bluetooth.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	for _, svc := range services {
		if strings.EqualFold(svc.UUID().String(), uuid) {
			return tinygoService{svc}, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", uuid, ErrNotFound)
}

type tinygoService struct{ svc bluetooth.DeviceService }

func (s tinygoService) Characteristic(_ context.Context, uuid string) (Characteristic, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic uuid: %w", err)
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	for _, c := range chars {
		if strings.EqualFold(c.UUID().String(), uuid) {
			return tinygoCharacteristic{c}, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s: %w", uuid, ErrNotFound)
}

type tinygoCharacteristic struct{ char bluetooth.DeviceCharacteristic }

func (c tinygoCharacteristic) StartNotifications(_ context.Context, fn func([]byte)) (func(), error) {
	if err := c.char.EnableNotifications(func(buf []byte) {
		// The library reuses buf between callbacks.
		fn(append([]byte(nil), buf...))
	}); err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}
	return func() { _ = c.char.EnableNotifications(nil) }, nil
}
