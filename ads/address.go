package ads

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AmsNetId is a 6-byte AMS network ID written as "x.x.x.x.x.x".
type AmsNetId [6]byte

// ParseAmsNetId parses an AMS Net ID string such as "192.168.1.100.1.1".
func ParseAmsNetId(s string) (AmsNetId, error) {
	var netId AmsNetId

	if s == "" {
		return netId, fmt.Errorf("empty AMS Net ID")
	}

	parts := strings.Split(s, ".")
	if len(parts) != len(netId) {
		return netId, fmt.Errorf("invalid AMS Net ID format: %q (expected x.x.x.x.x.x)", s)
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return netId, fmt.Errorf("invalid AMS Net ID component %q: %w", part, err)
		}
		netId[i] = byte(val)
	}

	return netId, nil
}

func (n AmsNetId) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", n[0], n[1], n[2], n[3], n[4], n[5])
}

func (n AmsNetId) IsZero() bool {
	return n == AmsNetId{}
}

// AmsNetIdFromIP derives the conventional IP.1.1 Net ID from an IPv4 host,
// with or without a TCP port.
func AmsNetIdFromIP(host string) (AmsNetId, error) {
	var netId AmsNetId

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return netId, fmt.Errorf("invalid IPv4 address: %q", host)
	}

	copy(netId[:4], ip)
	netId[4] = 1
	netId[5] = 1
	return netId, nil
}

// AmsAddress combines an AMS Net ID and port number.
type AmsAddress struct {
	NetId AmsNetId
	Port  uint16
}

func (a AmsAddress) String() string {
	return fmt.Sprintf("%s:%d", a.NetId, a.Port)
}

// ParseAmsAddress parses "netid:port", e.g. "5.12.34.56.1.1:851". The port
// may be a symbolic alias accepted by ParsePort.
func ParseAmsAddress(s string) (AmsAddress, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return AmsAddress{}, fmt.Errorf("invalid AMS address %q (expected netid:port)", s)
	}
	netId, err := ParseAmsNetId(s[:idx])
	if err != nil {
		return AmsAddress{}, err
	}
	port, err := ParsePort(s[idx+1:])
	if err != nil {
		return AmsAddress{}, err
	}
	return AmsAddress{NetId: netId, Port: port}, nil
}
