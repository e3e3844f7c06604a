package domain

import "sort"

// Capability is a named permission granted to a principal.
type Capability string

// Known capabilities.
const (
	CapabilityAdmin       Capability = "admin"
	CapabilityFarmer      Capability = "farmer"
	CapabilityProcessor   Capability = "processor"
	CapabilityDistributor Capability = "distributor"
	CapabilityRetailer    Capability = "retailer"
	CapabilityConsumer    Capability = "consumer"
)

// handlerPrecedence orders supply-chain roles for ResolveHandlerRole. The
// first capability held wins.
var handlerPrecedence = []Capability{
	CapabilityFarmer,
	CapabilityProcessor,
	CapabilityDistributor,
	CapabilityRetailer,
}

// HandlerCapabilities returns the capabilities allowed to append
// traceability records, in precedence order.
func HandlerCapabilities() []Capability {
	return append([]Capability(nil), handlerPrecedence...)
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityAdmin, CapabilityFarmer, CapabilityProcessor, CapabilityDistributor, CapabilityRetailer, CapabilityConsumer:
		return true
	default:
		return false
	}
}

// HasCapability reports whether caps contains want.
func HasCapability(caps []Capability, want Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// Authorize allows the call when caps holds admin or any capability in
// required. It has no side effects.
func Authorize(principalID string, caps []Capability, required ...Capability) error {
	if HasCapability(caps, CapabilityAdmin) {
		return nil
	}
	for _, r := range required {
		if HasCapability(caps, r) {
			return nil
		}
	}
	return AuthorizationError{PrincipalID: principalID, Required: append([]Capability(nil), required...)}
}

// ResolveHandlerRole picks the single handler role for a principal using the
// fixed precedence farmer > processor > distributor > retailer.
func ResolveHandlerRole(caps []Capability) (Capability, bool) {
	for _, c := range handlerPrecedence {
		if HasCapability(caps, c) {
			return c, true
		}
	}
	return "", false
}

// AddCapability returns caps with c inserted, keeping the set sorted and
// free of duplicates. The second return value reports whether c was new.
func AddCapability(caps []Capability, c Capability) ([]Capability, bool) {
	if HasCapability(caps, c) {
		return caps, false
	}
	out := append(append([]Capability(nil), caps...), c)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}
