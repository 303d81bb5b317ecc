package iface

import (
	"net"
	"testing"
)

func TestMTU(t *testing.T) {
	tests := []struct {
		name     string
		iface    *net.Interface
		expected int
	}{
		{
			name:     "nil interface",
			iface:    nil,
			expected: DefaultMTU,
		},
		{
			name:     "interface without MTU",
			iface:    &net.Interface{Name: "tun0"},
			expected: DefaultMTU,
		},
		{
			name:     "ethernet interface",
			iface:    &net.Interface{Name: "eth0", MTU: 1500},
			expected: 1500,
		},
		{
			name:     "wg interface (WireGuard)",
			iface:    &net.Interface{Name: "wg0", MTU: 1420},
			expected: 1420,
		},
		{
			name:     "loopback interface",
			iface:    &net.Interface{Name: "lo", MTU: 65536, Flags: net.FlagLoopback},
			expected: MaxMTU,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MTU(tt.iface)
			if result != tt.expected {
				t.Errorf("MTU() = %v, want %v for interface %v", result, tt.expected, tt.iface)
			}
		})
	}
}

func TestMSS(t *testing.T) {
	tests := []struct {
		mtu  int
		ipv6 bool
		want uint16
	}{
		{1500, false, 1460},
		{1500, true, 1440},
		{0, false, 1460},
		{1280, true, 1220},
		{30, true, 0},
	}

	for _, tt := range tests {
		if got := MSS(tt.mtu, tt.ipv6); got != tt.want {
			t.Errorf("MSS(%d, %v) = %d, want %d", tt.mtu, tt.ipv6, got, tt.want)
		}
	}
}
