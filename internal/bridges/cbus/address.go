package cbus

import (
	"fmt"
	"strconv"
	"strings"
)

// C-Bus application identifiers used by the bridge.
const (
	// AppLighting is the lighting application (56).
	AppLighting = 56

	// AppSecurity is the security application (208).
	AppSecurity = 208

	// AppClock is the clock and timekeeping application (223).
	AppClock = 223
)

// Address is a qualified C-Bus group address: network/application/group.
type Address struct {
	Network     string
	Application int
	Group       string
}

// ParseAddress parses "254/56/4" or the project form "//HOME/254/56/4".
func ParseAddress(s string) (Address, error) {
	s = NormalizeAddress(s)
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, p := range parts {
		if p == "" {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	app, err := strconv.Atoi(parts[1])
	if err != nil || app < 0 || app > 255 {
		return Address{}, fmt.Errorf("%w: application %q", ErrInvalidAddress, parts[1])
	}
	return Address{Network: parts[0], Application: app, Group: parts[2]}, nil
}

// String returns the qualified form "net/app/group".
func (a Address) String() string {
	return fmt.Sprintf("%s/%d/%s", a.Network, a.Application, a.Group)
}

// NormalizeAddress strips a leading "//PROJECT/" prefix and any trailing
// colon C-Gate appends to addresses in responses.
func NormalizeAddress(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	if strings.HasPrefix(s, "//") {
		rest := s[2:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
		return ""
	}
	return s
}

// QualifiedAddress builds "net/app/group".
func QualifiedAddress(network string, app int, group string) string {
	return fmt.Sprintf("%s/%d/%s", network, app, group)
}

// ApplicationAddress builds "net/app", used for application-level objects
// such as the security panel.
func ApplicationAddress(network string, app int) string {
	return fmt.Sprintf("%s/%d", network, app)
}
