// Package usb enumerates the host's USB devices from sysfs so instances can
// have them passed through.
package usb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/instance"
)

const sysfsRoot = "/sys/bus/usb/devices"

// Devices lists the currently connected USB devices
func Devices() []instance.USBDevice {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil
	}

	var devices []instance.USBDevice
	for _, entry := range entries {
		port := entry.Name()
		// skip hubs and interface nodes
		if strings.HasPrefix(port, "usb") || strings.Contains(port, ":") {
			continue
		}
		vid, okVid := readHex(port, "idVendor")
		pid, okPid := readHex(port, "idProduct")
		if !okVid || !okPid {
			continue
		}
		devices = append(devices, instance.USBDevice{
			Port:   port,
			Vid:    vid,
			Pid:    pid,
			Vendor: readString(port, "manufacturer"),
			Device: readString(port, "product"),
		})
	}
	return devices
}

// BusNum reads the bus number of the device on the given port
func BusNum(port string) (int, bool) {
	return readInt(port, "busnum")
}

// DevNum reads the device number of the device on the given port
func DevNum(port string) (int, bool) {
	return readInt(port, "devnum")
}

func readString(port, attr string) string {
	content, err := os.ReadFile(filepath.Join(sysfsRoot, port, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func readInt(port, attr string) (int, bool) {
	n, err := strconv.Atoi(readString(port, attr))
	if err != nil {
		return 0, false
	}
	return n, true
}

func readHex(port, attr string) (int, bool) {
	n, err := strconv.ParseInt(readString(port, attr), 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}
