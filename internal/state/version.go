package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a semantic version for persisted document schemas.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String returns the dotted form, e.g. "1.2.0".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 comparing v to other.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return sign(v.Major - other.Major)
	}
	if v.Minor != other.Minor {
		return sign(v.Minor - other.Minor)
	}
	return sign(v.Patch - other.Patch)
}

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// IsZero reports whether the version is the zero value.
func (v Version) IsZero() bool {
	return v == Version{}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// ParseVersion parses "major[.minor[.patch]]". Missing components default
// to zero, matching documents written before patch versions existed.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q: too many components", s)
	}

	var numbers [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: negative component", s)
		}
		numbers[i] = n
	}

	return Version{Major: numbers[0], Minor: numbers[1], Patch: numbers[2]}, nil
}
