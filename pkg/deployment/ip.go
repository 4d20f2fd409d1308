package deployment

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// parseCidr splits "a.b.c.d/x" into the literal base address and prefix size
func parseCidr(cidrSubnet string) (uint32, int, error) {
	addr, sizePart, ok := strings.Cut(cidrSubnet, "/")
	if !ok {
		return 0, 0, fail.New(fail.InvalidArgument, "invalid subnet %q", cidrSubnet)
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return 0, 0, fail.New(fail.InvalidArgument, "invalid subnet %q", cidrSubnet)
	}
	size, err := strconv.Atoi(sizePart)
	if err != nil || size < 0 || size > 32 {
		return 0, 0, fail.New(fail.InvalidArgument, "invalid subnet %q", cidrSubnet)
	}
	return ipToUint(ip), size, nil
}

func ipToUint(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uintToIP(n uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func hostMask(size int) uint32 {
	if size >= 32 {
		return 0
	}
	return ^uint32(0) >> size
}

// generateIP enumerates candidate addresses starting at network base + 2,
// skipping the gateway and every used address, stopping before the broadcast
// address. This is the only IP allocator: the engine is never allowed to
// choose.
func generateIP(cidrSubnet, gateway string, usedIPs []string) (string, error) {
	base, size, err := parseCidr(cidrSubnet)
	if err != nil {
		return "", err
	}

	used := map[uint32]bool{}
	if gateway != "" {
		if ip := net.ParseIP(gateway); ip != nil && ip.To4() != nil {
			used[ipToUint(ip)] = true
		}
	}
	for _, s := range usedIPs {
		if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
			used[ipToUint(ip)] = true
		}
	}

	// exclude the broadcast address
	maxIP := (base | hostMask(size)) - 1

	candidate := base + 2
	for used[candidate] {
		candidate++
	}
	if candidate > maxIP || maxIP < base {
		return "", fail.New(fail.Exhausted, "no free address in subnet %s", cidrSubnet)
	}
	return uintToIP(candidate), nil
}

// transferIP keeps an address's host bits and moves it into another subnet
func transferIP(cidrSubnet, ipAddress string) (string, error) {
	base, size, err := parseCidr(cidrSubnet)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil || ip.To4() == nil {
		return "", fail.New(fail.InvalidArgument, "invalid address %q", ipAddress)
	}
	mask := hostMask(size)
	host := ipToUint(ip) & mask
	return uintToIP((base &^ mask) | host), nil
}
