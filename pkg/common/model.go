package common

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol is an IP protocol an ingress rule can be scoped to.
type Protocol string

const (
	// ProtocolTCP is the tcp protocol
	ProtocolTCP Protocol = "tcp"
	// ProtocolUDP is the udp protocol
	ProtocolUDP Protocol = "udp"
)

// WildcardCIDR matches every IPv4 address. Rules carrying it are operator overrides and are never revoked.
const WildcardCIDR = "0.0.0.0/0"

type (
	// PortProtocol identifies a single ingress rule dimension, e.g. 22/tcp.
	PortProtocol struct {
		Port     uint16   `json:"port" toml:"port"`
		Protocol Protocol `json:"protocol" toml:"protocol"`
	}

	// Policy is the ordered set of dimensions that must always be reachable from the current IP.
	Policy []PortProtocol

	// ObservedRule is an ingress rule as currently present on the security group.
	ObservedRule struct {
		Port     uint16   `json:"port"`
		Protocol Protocol `json:"protocol"`
		CIDR     string   `json:"cidr"`
	}

	// Plan is the outcome of a reconciliation: what to revoke and what to authorize for IP.
	Plan struct {
		IP        string         `json:"ip"`
		Revoke    []ObservedRule `json:"revoke"`
		Authorize []PortProtocol `json:"authorize"`
	}

	// ApplyResult summarizes the mutations performed for a plan.
	ApplyResult struct {
		Revoked    []ObservedRule
		Authorized []PortProtocol
		Errors     []error
	}
)

// Err joins every mutation failure of the result, nil when all succeeded.
func (r ApplyResult) Err() error {
	return errors.Join(r.Errors...)
}

var (
	// DefaultPolicy mirrors the ports the monitor has always guarded: ssh, http, the webhook and dns.
	DefaultPolicy = Policy{
		{Port: 22, Protocol: ProtocolTCP},
		{Port: 80, Protocol: ProtocolTCP},
		{Port: 5005, Protocol: ProtocolTCP},
		{Port: 53, Protocol: ProtocolTCP},
		{Port: 53, Protocol: ProtocolUDP},
	}

	// LogStrLayer is string representation of the layer level in the logs
	LogStrLayer = "layer"
	// LogStrMethod is string representation of the methods in the logs
	LogStrMethod = "method"
)

// ParseProtocol normalizes a protocol name. EC2 may report protocols by IANA number.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "6":
		return ProtocolTCP, nil
	case "udp", "17":
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("%w: unsupported protocol %q", ErrInvalidPolicy, s)
}

// String renders the dimension as port/protocol.
func (p PortProtocol) String() string {
	return fmt.Sprintf("%d/%s", p.Port, p.Protocol)
}

// Dimension returns the port/protocol pair the rule belongs to.
func (r ObservedRule) Dimension() PortProtocol {
	return PortProtocol{Port: r.Port, Protocol: r.Protocol}
}

// String renders the rule as port/protocol from cidr.
func (r ObservedRule) String() string {
	return fmt.Sprintf("%s from %s", r.Dimension(), r.CIDR)
}

// Contains reports whether the dimension is part of the policy.
func (p Policy) Contains(dim PortProtocol) bool {
	for _, d := range p {
		if d == dim {
			return true
		}
	}
	return false
}

// Empty reports whether the plan has nothing to change.
func (p Plan) Empty() bool {
	return len(p.Revoke) == 0 && len(p.Authorize) == 0
}
