package download

import "github.com/srg/bledive/internal/dive"

// Event is a download notification. The polled Snapshot stays authoritative;
// events may be dropped when the consumer falls behind.
type Event interface {
	isEvent()
}

// ProgressEvent carries the running-maximum fraction in [0,1].
type ProgressEvent struct {
	Progress float64
}

// DeviceInfoEvent reports the identity of the connected device.
type DeviceInfoEvent struct {
	Serial   uint32
	Firmware uint32
	Model    uint32
}

// DiveEvent carries one finished record, possibly a failed one.
type DiveEvent struct {
	Record dive.Record
}

// CompleteEvent is published exactly once per download, last.
type CompleteEvent struct {
	Status Status
	Dives  int
}

func (ProgressEvent) isEvent()   {}
func (DeviceInfoEvent) isEvent() {}
func (DiveEvent) isEvent()       {}
func (CompleteEvent) isEvent()   {}
