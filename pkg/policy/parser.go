// Package policy parses the desired ingress policy from the environment or a TOML file
package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

// File is the on-disk shape of a policy file.
//
//	[[rule]]
//	port = 53
//	protocols = ["tcp", "udp"]
type File struct {
	Rules []struct {
		Port      int      `toml:"port"`
		Protocols []string `toml:"protocols"`
	} `toml:"rule"`
}

// Default returns a copy of the built-in policy.
func Default() common.Policy {
	return append(common.Policy{}, common.DefaultPolicy...)
}

// Parse reads a policy of the form "22:tcp,80:tcp,53:tcp/udp".
// Entries are kept in order; repeated dimensions collapse into the first occurrence.
func Parse(input string) (common.Policy, error) {
	var dims common.Policy

	for _, entry := range common.ParseCommaList(input) {
		portStr, protoStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("%w: entry %q is not port:protocol", common.ErrInvalidPolicy, entry)
		}

		expanded, err := expand(portStr, strings.Split(protoStr, "/"))
		if err != nil {
			return nil, err
		}
		dims = append(dims, expanded...)
	}

	return lo.Uniq(dims), nil
}

// LoadFile parses a TOML policy file.
func LoadFile(path string) (common.Policy, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("%w: failed to read policy file: %w", common.ErrInvalidPolicy, err)
	}

	var dims common.Policy
	for _, r := range f.Rules {
		expanded, err := expand(strconv.Itoa(r.Port), r.Protocols)
		if err != nil {
			return nil, err
		}
		dims = append(dims, expanded...)
	}

	return lo.Uniq(dims), nil
}

func expand(portStr string, protocols []string) ([]common.PortProtocol, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(portStr), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q out of range 0-65535", common.ErrInvalidPolicy, portStr)
	}
	if len(protocols) == 0 {
		return nil, fmt.Errorf("%w: port %d has no protocols", common.ErrInvalidPolicy, port)
	}

	dims := make([]common.PortProtocol, 0, len(protocols))
	for _, raw := range protocols {
		proto, err := common.ParseProtocol(raw)
		if err != nil {
			return nil, err
		}
		dims = append(dims, common.PortProtocol{Port: uint16(port), Protocol: proto})
	}
	return dims, nil
}
