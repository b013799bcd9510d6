//go:build windows

package device

import (
	"errors"

	"golang.zx2c4.com/wireguard/tun"
)

func CreateTUNFromFD(tunFd uint32, mtuInt int) (tun.Device, error) {
	return nil, errors.New("CreateTUNFromFile not supported on Windows")
}

// CreateTUN creates a wintun adapter with the given name.
func CreateTUN(name string, mtuInt int) (tun.Device, error) {
	return tun.CreateTUN(name, mtuInt)
}
