package transport

// Line parameters accepted by Configure. BLE has no UART, so they exist only to
// satisfy protocol drivers written against serial ports.

type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsOnePointFive
	StopBitsTwo
)

type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowHardware
	FlowSoftware
)

// Direction selects which buffers Purge discards.
type Direction int

const (
	PurgeInput Direction = 1 << iota
	PurgeOutput
	PurgeAll = PurgeInput | PurgeOutput
)

// IoctlCode identifies a BLE-specific control request.
//
// Codes use the classic dir|size|type|nr layout so they stay comparable with
// the values protocol drivers already carry.
type IoctlCode uint32

const (
	ioctlDirRead  = 1
	ioctlDirWrite = 2
	ioctlTypeBLE  = 'b'
)

func ioctl(dir, nr uint32) IoctlCode {
	return IoctlCode(dir<<30 | ioctlTypeBLE<<8 | nr)
}

var (
	IoctlGetName       = ioctl(ioctlDirRead, 0)
	IoctlGetAccessCode = ioctl(ioctlDirRead, 2)
	IoctlSetAccessCode = ioctl(ioctlDirWrite, 2)
)

func (c IoctlCode) String() string {
	switch c {
	case IoctlGetName:
		return "get_name"
	case IoctlGetAccessCode:
		return "get_access_code"
	case IoctlSetAccessCode:
		return "set_access_code"
	default:
		return "unknown"
	}
}
