package connector

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a connector protocol version.
type Version struct {
	Major uint32
	Minor uint32
}

// ProtocolVersion is the protocol version implemented by this package.
var ProtocolVersion = Version{Major: 1, Minor: 0}

// ParseVersion parses "major" or "major.minor".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	major, err := strconv.ParseUint(majorStr, 10, 32)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var minor uint64
	if hasMinor {
		minor, err = strconv.ParseUint(minorStr, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
	}
	return Version{Major: uint32(major), Minor: uint32(minor)}, nil
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." + strconv.FormatUint(uint64(v.Minor), 10)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}
