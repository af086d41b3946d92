package engine

import (
	"fmt"
	"strings"
)

// Transport is a bitmask of the links a device supports.
type Transport uint32

const (
	TransportSerial Transport = 1 << iota
	TransportUSB
	TransportUSBHID
	TransportIrDA
	TransportBluetooth
	TransportBLE
)

func (t Transport) String() string {
	var names []string
	for _, e := range []struct {
		bit  Transport
		name string
	}{
		{TransportSerial, "serial"},
		{TransportUSB, "usb"},
		{TransportUSBHID, "usbhid"},
		{TransportIrDA, "irda"},
		{TransportBluetooth, "bluetooth"},
		{TransportBLE, "ble"},
	} {
		if t&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Descriptor identifies a supported dive computer model.
type Descriptor struct {
	Vendor     string    `json:"vendor"`
	Product    string    `json:"product"`
	Family     string    `json:"family"`
	Model      uint32    `json:"model"`
	Transports Transport `json:"transports"`
	// NamePrefixes are BLE advertised-name prefixes that identify the model.
	NamePrefixes []string `json:"name_prefixes,omitempty"`
}

// Key returns the lookup key "vendor product", case-folded.
func (d Descriptor) Key() string {
	return DescriptorKey(d.Vendor, d.Product)
}

// SupportsBLE reports whether the model can be downloaded over BLE.
func (d Descriptor) SupportsBLE() bool {
	return d.Transports&TransportBLE != 0
}

// MatchesName reports whether an advertised BLE name identifies this model.
func (d Descriptor) MatchesName(name string) bool {
	if name == "" {
		return false
	}
	for _, prefix := range d.NamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s", d.Vendor, d.Product)
}

// DescriptorKey builds the lookup key used by descriptor tables.
func DescriptorKey(vendor, product string) string {
	return strings.ToLower(strings.TrimSpace(vendor)) + " " + strings.ToLower(strings.TrimSpace(product))
}
