package ble

import (
	"context"
	"errors"
	"strings"
)

// Scanner identifiers. The HPRT-* family advertises the barcode service
// and pushes scanned text through the read characteristic.
const (
	ScannerNamePrefix         = "HPRT-"
	ScannerServiceUUID        = "0000feea-0000-1000-8000-00805f9b34fb"
	ScannerCharacteristicUUID = "00002aa1-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrRequestCancelled is returned by RequestDevice when the user (or the
	// caller's context) abandons device selection.
	ErrRequestCancelled = errors.New("device request cancelled")
	// ErrNotFound is returned when a GATT service or characteristic is absent.
	ErrNotFound = errors.New("not found")
)

// Filter restricts which devices are offered.
type Filter struct {
	NamePrefix string
	Services   []string
}

// ScannerFilter is the fixed filter for supported barcode scanners.
var ScannerFilter = Filter{
	NamePrefix: ScannerNamePrefix,
	Services:   []string{ScannerServiceUUID},
}

// Match reports whether a device with the given name passes the filter.
func (f Filter) Match(name string) bool {
	return f.NamePrefix == "" || strings.HasPrefix(name, f.NamePrefix)
}

// Navigator is the platform Bluetooth entry point.
type Navigator interface {
	// Devices returns previously paired devices matching the filter,
	// without prompting.
	Devices(ctx context.Context, f Filter) ([]Device, error)
	// RequestDevice asks for a new device matching the filter.
	RequestDevice(ctx context.Context, f Filter) (Device, error)
}

// Device is a remote peripheral and its GATT server.
type Device interface {
	ID() string
	Name() string
	Connect(ctx context.Context) error
	Connected() bool
	PrimaryService(ctx context.Context, uuid string) (Service, error)
	// OnDisconnect registers fn for GATT server disconnects. The returned
	// func removes it.
	OnDisconnect(fn func()) (cancel func())
	Disconnect() error
}

// Service is a primary GATT service.
type Service interface {
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic delivers value-change notifications.
type Characteristic interface {
	// StartNotifications subscribes fn to value changes. The returned func
	// stops them and removes fn.
	StartNotifications(ctx context.Context, fn func([]byte)) (stop func(), err error)
}
