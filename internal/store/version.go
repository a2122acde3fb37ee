package store

import (
	"fmt"
	"strconv"
	"strings"
)

// initialVersion is the version assigned to the root of a context lineage.
const initialVersion = "v1.0.0"

// nextVersion returns the semantic version that follows parent.
// Patch commits bump the minor component and reset patch; the major
// component only changes through manual migration tooling.
func nextVersion(parent string) (string, error) {
	if parent == "" {
		return initialVersion, nil
	}
	major, minor, _, err := parseVersion(parent)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d.%d.0", major, minor+1), nil
}

// parseVersion splits a "vMAJOR.MINOR.PATCH" string into its components.
func parseVersion(v string) (major, minor, patch int, err error) {
	s := strings.TrimPrefix(v, "v")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: malformed version %q", ErrValidation, v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("%w: malformed version %q", ErrValidation, v)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// CompareVersions orders two semantic versions. It returns a negative value
// when a precedes b, zero when equal, positive when a follows b.
// Malformed versions compare lexically as a last resort.
func CompareVersions(a, b string) int {
	am, an, ap, errA := parseVersion(a)
	bm, bn, bp, errB := parseVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if am != bm {
		return am - bm
	}
	if an != bn {
		return an - bn
	}
	return ap - bp
}
