//go:build linux

package route

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

func TestFromMessages_Linux(t *testing.T) {
	fakeInterfaces(t, eth0, eth1)
	ipv4 := netip.MustParseAddr("192.0.2.100")
	ipv6 := netip.MustParseAddr("2001:db8::100")

	tests := []struct {
		name    string
		ip      netip.Addr
		msgs    []rtnetlink.RouteMessage
		want    Route
		wantErr bool
	}{
		{
			name: "IPv4 route via gateway",
			ip:   ipv4,
			msgs: []rtnetlink.RouteMessage{{
				Family: unix.AF_INET,
				Attributes: rtnetlink.RouteAttributes{
					Dst:      ipv4.AsSlice(),
					Gateway:  netip.MustParseAddr("192.0.2.1").AsSlice(),
					Src:      netip.MustParseAddr("192.0.2.10").AsSlice(),
					OutIface: 2,
				},
			}},
			want: Route{
				Destination: ipv4,
				Gateway:     netip.MustParseAddr("192.0.2.1"),
				Source:      netip.MustParseAddr("192.0.2.10"),
				Interface:   &eth0,
			},
		},
		{
			name: "IPv6 route with MTU",
			ip:   ipv6,
			msgs: []rtnetlink.RouteMessage{{
				Family: unix.AF_INET6,
				Attributes: rtnetlink.RouteAttributes{
					Dst:      ipv6.AsSlice(),
					Src:      netip.MustParseAddr("2001:db8::10").AsSlice(),
					OutIface: 2,
					Metrics:  &rtnetlink.RouteMetrics{MTU: 1280},
				},
			}},
			want: Route{
				Destination: ipv6,
				Source:      netip.MustParseAddr("2001:db8::10"),
				Interface:   &eth0,
				MTU:         1280,
			},
		},
		{
			name:    "no routes",
			ip:      ipv4,
			wantErr: true,
		},
		{
			name: "multiple routes",
			ip:   ipv4,
			msgs: []rtnetlink.RouteMessage{
				{Attributes: rtnetlink.RouteAttributes{Dst: ipv4.AsSlice(), Src: ipv4.AsSlice(), OutIface: 2}},
				{Attributes: rtnetlink.RouteAttributes{Dst: ipv4.AsSlice(), Src: ipv4.AsSlice(), OutIface: 2}},
			},
			wantErr: true,
		},
		{
			name: "answer for another destination",
			ip:   ipv4,
			msgs: []rtnetlink.RouteMessage{{
				Attributes: rtnetlink.RouteAttributes{
					Dst:      netip.MustParseAddr("192.0.2.99").AsSlice(),
					Src:      ipv4.AsSlice(),
					OutIface: 2,
				},
			}},
			wantErr: true,
		},
		{
			name: "interface down",
			ip:   ipv4,
			msgs: []rtnetlink.RouteMessage{{
				Attributes: rtnetlink.RouteAttributes{
					Dst:      ipv4.AsSlice(),
					Src:      netip.MustParseAddr("192.0.2.10").AsSlice(),
					OutIface: 3,
				},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fromMessages(tt.ip, tt.msgs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("fromMessages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Destination != tt.want.Destination || got.Gateway != tt.want.Gateway ||
				got.Source != tt.want.Source || got.MTU != tt.want.MTU || got.Interface.Name != tt.want.Interface.Name {
				t.Errorf("fromMessages() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGet_Linux(t *testing.T) {
	fakeInterfaces(t, eth0)
	ipv4 := netip.MustParseAddr("192.0.2.1")

	orig := queryKernel
	defer func() { queryKernel = orig }()

	queryKernel = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
		return nil, errors.New("dial failed")
	}
	if _, err := Get(ipv4); err == nil {
		t.Error("Get() should fail when the kernel query fails")
	}

	queryKernel = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
		if !dst.Is4() {
			t.Errorf("query for %v, want the unmapped IPv4 address", dst)
		}
		return []rtnetlink.RouteMessage{{
			Attributes: rtnetlink.RouteAttributes{
				Dst:      dst.AsSlice(),
				Src:      netip.MustParseAddr("192.0.2.10").AsSlice(),
				OutIface: 2,
			},
		}}, nil
	}
	r, err := Get(netip.AddrFrom16(ipv4.As16()))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if r.Source != netip.MustParseAddr("192.0.2.10") || r.PathMTU() != 9000 {
		t.Errorf("Get() = %+v, want source 192.0.2.10 and MTU 9000", r)
	}
}
