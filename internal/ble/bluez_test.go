package ble

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newDispatchOnly() *BluezNavigator {
	log, _ := test.NewNullLogger()
	n := &BluezNavigator{
		log:      log,
		handlers: make(map[dbus.ObjectPath]map[int]func(map[string]dbus.Variant)),
		signals:  make(chan *dbus.Signal, 4),
	}
	go n.dispatch()
	return n
}

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsSignal,
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestDispatchCharacteristicValue(t *testing.T) {
	n := newDispatchOnly()
	defer close(n.signals)

	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB/service000c/char000d")
	got := make(chan []byte, 1)
	c := &bluezCharacteristic{nav: n, path: path}
	cancel := n.watch(c.path, func(changed map[string]dbus.Variant) {
		if v, ok := changed["Value"]; ok {
			got <- v.Value().([]byte)
		}
	})
	defer cancel()

	n.signals <- propsChanged("/org/bluez/hci0/other", charIface, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte("x"))})
	n.signals <- propsChanged(path, charIface, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte("123\r"))})

	select {
	case b := <-got:
		require.Equal(t, []byte("123\r"), b)
	case <-time.After(time.Second):
		t.Fatal("no notification dispatched")
	}
}

func TestDeviceOnDisconnect(t *testing.T) {
	n := newDispatchOnly()
	defer close(n.signals)

	d := &bluezDevice{nav: n, path: "/org/bluez/hci0/dev_AA_BB", name: "HPRT-1"}
	dropped := make(chan struct{}, 2)
	cancel := d.OnDisconnect(func() { dropped <- struct{}{} })

	n.signals <- propsChanged(d.path, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)})
	n.signals <- propsChanged(d.path, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))})
	n.signals <- propsChanged(d.path, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}

	cancel()
	n.mu.Lock()
	require.Empty(t, n.handlers)
	n.mu.Unlock()
}

func TestPropHelpers(t *testing.T) {
	props := map[string]dbus.Variant{
		"Name":   dbus.MakeVariant("HPRT-BCST"),
		"Paired": dbus.MakeVariant(true),
		"RSSI":   dbus.MakeVariant(int16(-60)),
	}
	require.Equal(t, "HPRT-BCST", stringProp(props, "Name"))
	require.Equal(t, "", stringProp(props, "RSSI"))
	require.True(t, boolProp(props, "Paired"))
	require.False(t, boolProp(props, "Blocked"))
}
