// Package common for all common types and helper functions
package common

import (
	"fmt"
	"net/netip"
	"strings"
)

// GetString helper function to safely dereference string pointers.
func GetString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetStringPointer returns a string pointer
func GetStringPointer(val string) *string {
	return &val
}

// GetInt32 safely dereferences an int32 pointer, reporting whether it was set.
func GetInt32(i *int32) (int32, bool) {
	if i == nil {
		return 0, false
	}
	return *i, true
}

// GetInt32Pointer returns an int32 pointer
func GetInt32Pointer(val int32) *int32 {
	return &val
}

// ValidateIPv4 trims the input and checks that it is a dotted-quad IPv4 address.
func ValidateIPv4(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return addr.String(), nil
}

// HostCIDR returns the single-host range for ip, e.g. 1.2.3.4/32.
func HostCIDR(ip string) string {
	return ip + "/32"
}

// IsHostCIDR reports whether cidr is a single-host IPv4 range.
func IsHostCIDR(cidr string) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Addr().Is4() && prefix.Bits() == 32
}

// ParseCommaList turns a comma-separated string into a []string
func ParseCommaList(input string) []string {
	if input == "" {
		return nil
	}

	parts := strings.Split(input, ",")
	var result []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
