package radio

// Property is a GATT characteristic property bit.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool { return p&q == q }

// ServiceInfo is a discovered GATT service as reported by a backend.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// CharacteristicInfo is a discovered GATT characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// KnownService describes a vendor serial-over-GATT service. Notify and Write
// may be empty, in which case the characteristics are picked by property.
type KnownService struct {
	Name    string
	Service string
	Notify  string
	Write   string
}

// KnownServices lists the serial services used by BLE dive computers, in
// preference order.
var KnownServices = []KnownService{
	{Name: "Nordic UART", Service: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		Notify: "6e400003-b5a3-f393-e0a9-e50e24dcca9e", Write: "6e400002-b5a3-f393-e0a9-e50e24dcca9e"},
	{Name: "Shearwater", Service: "fe25c237-0ece-443c-b0aa-e02033e7029d"},
	{Name: "Heinrichs Weikamp (Telit)", Service: "0000fefb-0000-1000-8000-00805f9b34fb"},
	{Name: "Heinrichs Weikamp (U-Blox)", Service: "2456e1b9-26e2-8f83-e744-f34f01e9d701"},
	{Name: "Mares BlueLink", Service: "544e326b-5b72-c6b0-1c46-41c1bc448118"},
	{Name: "Suunto", Service: "98ae7120-e62e-11e3-badd-0002a5d5c51b"},
	{Name: "Pelagic", Service: "cb3c4555-d670-4670-bc20-b61dbc851e9a"},
	{Name: "Pelagic i770R", Service: "ca7b0001-f785-4c38-b599-c7c5fbadb034"},
	{Name: "Scubapro G2", Service: "fdcdeaaa-295d-470e-bf15-04217b7aa0a0"},
	{Name: "Divesoft", Service: "0000fcef-0000-1000-8000-00805f9b34fb"},
	{Name: "Halcyon", Service: "00000001-8c3b-4f2c-a59e-8c08224f3253"},
}

// standardServices are SIG services that never carry a vendor serial protocol.
var standardServices = map[string]struct{}{
	"1800": {}, // Generic Access
	"1801": {}, // Generic Attribute
	"180a": {}, // Device Information
	"180f": {}, // Battery
}

// LookupKnownService returns the table entry for a service UUID.
func LookupKnownService(uuid string) (KnownService, bool) {
	for _, ks := range KnownServices {
		if SameUUID(ks.Service, uuid) {
			return ks, true
		}
	}
	return KnownService{}, false
}

// SelectChannel picks the serial channel from a discovered profile: a known
// vendor service first, otherwise the first non-standard service exposing one
// notifying and one writable characteristic. Acknowledged writes are preferred
// when the write characteristic supports them.
func SelectChannel(services []ServiceInfo) (Channel, error) {
	for _, ks := range KnownServices {
		for _, svc := range services {
			if !SameUUID(ks.Service, svc.UUID) {
				continue
			}
			if ch, ok := channelFrom(svc, ks.Notify, ks.Write); ok {
				return ch, nil
			}
		}
	}

	for _, svc := range services {
		if _, std := standardServices[NormalizeUUID(svc.UUID)]; std {
			continue
		}
		if ch, ok := channelFrom(svc, "", ""); ok {
			return ch, nil
		}
	}

	return Channel{}, ErrNoChannel
}

func channelFrom(svc ServiceInfo, notifyUUID, writeUUID string) (Channel, bool) {
	var notify, write *CharacteristicInfo
	for i := range svc.Characteristics {
		c := &svc.Characteristics[i]
		if notify == nil && (c.Properties.Has(PropNotify) || c.Properties.Has(PropIndicate)) {
			if notifyUUID == "" || SameUUID(notifyUUID, c.UUID) {
				notify = c
			}
		}
		if write == nil && (c.Properties.Has(PropWrite) || c.Properties.Has(PropWriteNoResponse)) {
			if writeUUID == "" || SameUUID(writeUUID, c.UUID) {
				write = c
			}
		}
	}
	if notify == nil || write == nil {
		return Channel{}, false
	}

	mode := WriteUnacknowledged
	if write.Properties.Has(PropWrite) {
		mode = WriteAcknowledged
	}
	return Channel{
		Service: NormalizeUUID(svc.UUID),
		Notify:  NormalizeUUID(notify.UUID),
		Write:   NormalizeUUID(write.UUID),
		Mode:    mode,
	}, true
}
