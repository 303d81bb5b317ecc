package route

import (
	"errors"
	"net"
	"net/netip"
	"testing"
)

// fakeInterfaces replaces the interface lookup for the duration of a test.
func fakeInterfaces(t *testing.T, ifs ...net.Interface) {
	t.Helper()
	orig := interfaceByIndex
	interfaceByIndex = func(index int) (*net.Interface, error) {
		for i := range ifs {
			if ifs[i].Index == index {
				return &ifs[i], nil
			}
		}
		return nil, errors.New("no such interface")
	}
	t.Cleanup(func() { interfaceByIndex = orig })
}

var (
	eth0 = net.Interface{Index: 2, Name: "eth0", MTU: 9000, Flags: net.FlagUp}
	eth1 = net.Interface{Index: 3, Name: "eth1", MTU: 1500}
)

func TestRoute_PathMTU(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		want  int
	}{
		{"route MTU", Route{MTU: 1400, Interface: &eth0}, 1400},
		{"interface MTU", Route{Interface: &eth0}, 9000},
		{"no interface", Route{}, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.route.PathMTU(); got != tt.want {
				t.Errorf("PathMTU() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUpInterface(t *testing.T) {
	fakeInterfaces(t, eth0, eth1)

	if ifi, err := upInterface(2); err != nil || ifi.Name != "eth0" {
		t.Errorf("upInterface(2) = %v, %v, want eth0", ifi, err)
	}
	if _, err := upInterface(3); !errors.Is(err, ErrNoRoute) {
		t.Errorf("upInterface(3) error = %v, want ErrNoRoute for a down interface", err)
	}
	if _, err := upInterface(4); err == nil {
		t.Error("upInterface(4) should fail for an unknown index")
	}
}

func ipNet(cidr string) *net.IPNet {
	ip, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestPickSource(t *testing.T) {
	addrs := []net.Addr{
		ipNet("fe80::1/64"),
		ipNet("192.0.2.10/24"),
		ipNet("2001:db8:1::10/64"),
		ipNet("198.51.100.10/24"),
		ipNet("2001:db8:2::10/64"),
	}
	tests := []struct {
		name    string
		v6      bool
		nextHop string
		want    string
	}{
		{name: "IPv4 first", v6: false, want: "192.0.2.10"},
		{name: "IPv4 next hop subnet", v6: false, nextHop: "198.51.100.1", want: "198.51.100.10"},
		{name: "IPv6 skips link-local", v6: true, want: "2001:db8:1::10"},
		{name: "IPv6 next hop subnet", v6: true, nextHop: "2001:db8:2::1", want: "2001:db8:2::10"},
		{name: "IPv6 link-local next hop", v6: true, nextHop: "fe80::ff", want: "2001:db8:1::10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nh netip.Addr
			if tt.nextHop != "" {
				nh = netip.MustParseAddr(tt.nextHop)
			}
			got, err := pickSource(addrs, tt.v6, nh)
			if err != nil {
				t.Fatalf("pickSource() error = %v", err)
			}
			if got != netip.MustParseAddr(tt.want) {
				t.Errorf("pickSource() = %v, want %s", got, tt.want)
			}
		})
	}

	if _, err := pickSource([]net.Addr{ipNet("fe80::1/64")}, true, netip.Addr{}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("pickSource() with only link-local error = %v, want ErrNoRoute", err)
	}
}

func TestGetInvalid(t *testing.T) {
	if _, err := Get(netip.Addr{}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Get(invalid) error = %v, want ErrNoRoute", err)
	}
}
