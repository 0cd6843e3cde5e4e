package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidVersion = errors.New("Invalid server version")

// Version is a server version. Build and Revision are -1 when not specified.
//
// Release candidates are numbered below the release they precede, so 7.0 RC1
// reports itself as 6.9.240.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// V builds a version from its parts. Missing parts are left unspecified.
func V(parts ...int) Version {
	v := Version{Build: -1, Revision: -1}

	fields := []*int{&v.Major, &v.Minor, &v.Build, &v.Revision}
	for i, p := range parts {
		if i >= len(fields) {
			break
		}
		*fields[i] = p
	}

	return v
}

// Unknown is used when a server does not report its version.
var Unknown = V(2, 0, 0)

// ParseVersion parses "major.minor[.build[.revision]]". Trailing text after the
// digits of a part, as in "7.2.4-rc1", is ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, ErrInvalidVersion
	}

	raw := strings.Split(s, ".")
	if len(raw) < 2 || len(raw) > 4 {
		return Version{}, fmt.Errorf("Failed to parse %q: %w", s, ErrInvalidVersion)
	}

	parts := make([]int, 0, len(raw))
	for _, r := range raw {
		end := 0
		for end < len(r) && r[end] >= '0' && r[end] <= '9' {
			end++
		}

		n, err := strconv.Atoi(r[:end])
		if err != nil {
			return Version{}, fmt.Errorf("Failed to parse %q: %w", s, ErrInvalidVersion)
		}

		parts = append(parts, n)
	}

	return V(parts...), nil
}

// IsAtLeast compares major and minor, then build and revision with unspecified
// parts treated as zero, so 6.0 and 6.0.0 are equal.
func (v Version) IsAtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}

	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}

	if b, ob := norm(v.Build), norm(other.Build); b != ob {
		return b > ob
	}

	return norm(v.Revision) >= norm(other.Revision)
}

// Equal compares two versions with unspecified parts treated as zero.
func (v Version) Equal(other Version) bool {
	return v.normalized() == other.normalized()
}

func (v Version) normalized() Version {
	return Version{v.Major, v.Minor, norm(v.Build), norm(v.Revision)}
}

func (v Version) String() string {
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)

	if v.Build >= 0 {
		s += "." + strconv.Itoa(v.Build)
		if v.Revision >= 0 {
			s += "." + strconv.Itoa(v.Revision)
		}
	}

	return s
}

func norm(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
