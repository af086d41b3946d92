//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/bledive/internal/radio"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no %s backend", radio.ErrUnsupported, runtime.GOOS)
}
