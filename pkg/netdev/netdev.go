// Package netdev reads the host's network adapters: addresses, gateways and
// MACs. The instance config endpoint and IPVLAN network creation both derive
// their settings from here.
package netdev

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
)

// NetType classifies an adapter
type NetType int

const (
	NetTypeUnknown NetType = iota
	NetTypeWired
	NetTypeWireless
	NetTypeLocal
	NetTypeVirtual
)

// IPv4Address is one address assignment on an adapter
type IPv4Address struct {
	Addr       string
	SubnetMask string
}

// Adapter describes one host network interface
type Adapter struct {
	Name    string
	Mac     string
	NetType NetType
	IPv4    []IPv4Address
	Gateway string
}

// Adapters lists the host's network interfaces keyed by name
func Adapters() (map[string]Adapter, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	gateways := defaultGateways()

	adapters := map[string]Adapter{}
	for _, iface := range ifaces {
		adapter := Adapter{
			Name:    iface.Name,
			Mac:     iface.HardwareAddr.String(),
			NetType: classify(iface),
			Gateway: gateways[iface.Name],
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				ipnet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				ip4 := ipnet.IP.To4()
				if ip4 == nil {
					continue
				}
				adapter.IPv4 = append(adapter.IPv4, IPv4Address{
					Addr:       ip4.String(),
					SubnetMask: net.IP(ipnet.Mask).String(),
				})
			}
		}
		adapters[iface.Name] = adapter
	}
	return adapters, nil
}

func classify(iface net.Interface) NetType {
	if iface.Flags&net.FlagLoopback != 0 {
		return NetTypeLocal
	}
	if _, err := os.Stat("/sys/class/net/" + iface.Name + "/wireless"); err == nil {
		return NetTypeWireless
	}
	if _, err := os.Stat("/sys/class/net/" + iface.Name + "/device"); err == nil {
		return NetTypeWired
	}
	return NetTypeVirtual
}

// defaultGateways parses /proc/net/route for each adapter's default route
func defaultGateways() map[string]string {
	gateways := map[string]string{}
	content, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return gateways
	}
	for _, line := range strings.Split(string(content), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		// the kernel stores the gateway little-endian
		gw := binary.LittleEndian.Uint32(raw)
		ip := net.IPv4(byte(gw), byte(gw>>8), byte(gw>>16), byte(gw>>24))
		gateways[fields[0]] = ip.String()
	}
	return gateways
}

// IPv4ToNetwork derives the CIDR subnet from an address and its mask,
// e.g. ("192.168.99.21", "255.255.255.0") -> "192.168.99.0/24"
func IPv4ToNetwork(addr, subnetMask string) (string, error) {
	ip := net.ParseIP(addr)
	mask := net.ParseIP(subnetMask)
	if ip == nil || mask == nil {
		return "", fmt.Errorf("invalid address %s/%s", addr, subnetMask)
	}
	ip4 := ip.To4()
	mask4 := mask.To4()
	if ip4 == nil || mask4 == nil {
		return "", fmt.Errorf("invalid address %s/%s", addr, subnetMask)
	}
	ipMask := net.IPMask(mask4)
	ones, _ := ipMask.Size()
	network := ip4.Mask(ipMask)
	return fmt.Sprintf("%s/%d", network.String(), ones), nil
}
