package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

var ErrTargetUnresolvable = errors.New("target unresolvable")

// Target statuses.
const (
	StatusOK           = "ok"
	StatusUnresolvable = "unresolvable"
	StatusUnroutable   = "unroutable"
)

// Target is a destination as given by the user and as resolved.
type Target struct {
	Input  string     `json:"input"`
	Addr   netip.Addr `json:"addr"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Family restricts resolution to one address family.
type Family int

const (
	AnyFamily Family = iota
	IPv4Only
	IPv6Only
)

func (f Family) network() string {
	switch f {
	case IPv4Only:
		return "ip4"
	case IPv6Only:
		return "ip6"
	}
	return "ip"
}

func (f Family) accepts(a netip.Addr) bool {
	switch f {
	case IPv4Only:
		return a.Is4()
	case IPv6Only:
		return a.Is6()
	}
	return true
}

// Resolve resolves every input once. An input that cannot be resolved is
// returned with StatusUnresolvable and contributes an
// ErrTargetUnresolvable to the joined error; the other targets are
// unaffected. IPv4 is preferred when a name has both families.
func Resolve(ctx context.Context, r Resolver, inputs []string, family Family) ([]Target, error) {
	targets := make([]Target, 0, len(inputs))
	var errs []error
	for _, in := range inputs {
		t := Target{Input: in}
		addr, err := resolveOne(ctx, r, in, family)
		if err != nil {
			t.Status = StatusUnresolvable
			t.Error = err.Error()
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrTargetUnresolvable, in, err))
		} else {
			t.Addr = addr
			t.Status = StatusOK
		}
		targets = append(targets, t)
	}
	return targets, errors.Join(errs...)
}

func resolveOne(ctx context.Context, r Resolver, in string, family Family) (netip.Addr, error) {
	if a, err := netip.ParseAddr(in); err == nil {
		a = a.Unmap()
		if !family.accepts(a) {
			return netip.Addr{}, fmt.Errorf("address family not permitted")
		}
		return a, nil
	}
	addrs, err := r.LookupNetIP(ctx, family.network(), in)
	if err != nil {
		return netip.Addr{}, err
	}
	var v6 netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if !family.accepts(a) {
			continue
		}
		if a.Is4() {
			return a, nil
		}
		if !v6.IsValid() {
			v6 = a
		}
	}
	if !v6.IsValid() {
		return netip.Addr{}, fmt.Errorf("no usable address")
	}
	return v6, nil
}
