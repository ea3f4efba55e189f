package utils

import (
	"fmt"
	"net"
)

// LocalIP returns the address of the interface used for outbound traffic.
// Connecting a UDP socket sends no packets; it only selects a route.
// Falls back to 127.0.0.1 when no route exists.
func LocalIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// AdvertiseAddress returns the host:port peers should dial. An explicit
// advertise address wins; otherwise the bound listen address is used with
// an unspecified host replaced by the local IP.
func AdvertiseAddress(advertise, bound string) (string, error) {
	if advertise != "" {
		return advertise, nil
	}
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("split listen address %q: %w", bound, err)
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = LocalIP()
	}
	return net.JoinHostPort(host, port), nil
}
