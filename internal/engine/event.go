package engine

// Event is emitted by a device while Foreach runs. It is one of ProgressEvent,
// DevInfoEvent, ClockEvent or VendorEvent.
type Event interface {
	isEvent()
}

// ProgressEvent reports protocol progress in engine-defined units.
type ProgressEvent struct {
	Current uint32
	Maximum uint32
}

// DevInfoEvent carries the device identity once the handshake completes.
type DevInfoEvent struct {
	Model    uint32
	Firmware uint32
	Serial   uint32
}

// ClockEvent pairs the device clock with host time at the moment it was read.
type ClockEvent struct {
	DeviceTicks uint32
	HostUnix    int64
}

// VendorEvent carries a raw vendor-specific block.
type VendorEvent struct {
	Data []byte
}

func (ProgressEvent) isEvent() {}
func (DevInfoEvent) isEvent()  {}
func (ClockEvent) isEvent()    {}
func (VendorEvent) isEvent()   {}
