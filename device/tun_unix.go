//go:build !windows

package device

import (
	"os"

	"github.com/argsment/anywhere-core/logger"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// CreateTUNFromFD wraps an already-open tun file descriptor, as handed over
// by a packet tunnel provider or a privileged launcher. The fd is duped so
// the caller's copy stays valid.
func CreateTUNFromFD(tunFd uint32, mtuInt int) (tun.Device, error) {
	dupTunFd, err := unix.Dup(int(tunFd))
	if err != nil {
		logger.Error("Unable to dup tun fd: %v", err)
		return nil, err
	}

	err = unix.SetNonblock(dupTunFd, true)
	if err != nil {
		unix.Close(dupTunFd)
		return nil, err
	}

	file := os.NewFile(uintptr(dupTunFd), "/dev/tun")
	device, err := tun.CreateTUNFromFile(file, mtuInt)
	if err != nil {
		file.Close()
		return nil, err
	}

	return device, nil
}

// CreateTUN creates a named tun interface.
func CreateTUN(name string, mtuInt int) (tun.Device, error) {
	return tun.CreateTUN(name, mtuInt)
}
