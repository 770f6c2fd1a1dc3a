//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// AdapterFor returns the BlueZ controller named hci ("hci0", "hci1", ...).
func AdapterFor(hci string) *bluetooth.Adapter {
	if hci == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(hci)
}
