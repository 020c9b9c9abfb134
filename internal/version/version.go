// Package version implements PackageVersion (§3): a parsed semantic
// version with a total order and a sentinel Empty that sorts below every
// valid version. Parsing is stdlib regexp, grounded on the teacher's
// preference for plain regexp-based filename/metadata parsing
// (controller_src/parsing.go) over a third-party semver library, since no
// example in the retrieval pack pulls one in and the sentinel-Empty
// ordering below is not something a generic semver library expresses.
package version

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// semverPattern matches v?MAJOR.MINOR.PATCH(-PRERELEASE)? per §3.
var semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([A-Za-z0-9.\-]+))?$`)

// PackageVersion is a parsed semantic version, or the Empty sentinel.
type PackageVersion struct {
	major, minor, patch int
	prerelease          string
	hasPrerelease       bool
	valid               bool
}

// Empty is the sentinel PackageVersion that sorts strictly below every
// valid version and displays as "-".
var Empty = PackageVersion{}

// TryParse parses raw into a PackageVersion. Anything not matching the
// §3 regex normalizes to Empty instead of returning an error — callers
// that need to distinguish "absent" from "malformed" should validate
// raw themselves before calling TryParse.
func TryParse(raw string) PackageVersion {
	raw = strings.TrimSpace(raw)
	matches := semverPattern.FindStringSubmatch(raw)
	if matches == nil {
		return Empty
	}

	major, err := strconv.Atoi(matches[1])
	if err != nil {
		return Empty
	}
	minor, err := strconv.Atoi(matches[2])
	if err != nil {
		return Empty
	}
	patch, err := strconv.Atoi(matches[3])
	if err != nil {
		return Empty
	}

	return PackageVersion{
		major:         major,
		minor:         minor,
		patch:         patch,
		prerelease:    matches[4],
		hasPrerelease: matches[4] != "",
		valid:         true,
	}
}

// IsEmpty reports whether v is the Empty sentinel.
func (v PackageVersion) IsEmpty() bool {
	return !v.valid
}

// String renders v back to "MAJOR.MINOR.PATCH[-PRERELEASE]", or "-" for
// Empty.
func (v PackageVersion) String() string {
	if !v.valid {
		return "-"
	}
	if v.hasPrerelease {
		return fmt.Sprintf("%d.%d.%d-%s", v.major, v.minor, v.patch, v.prerelease)
	}
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

// MarshalJSON renders v per deployment.state.json's "Version" field.
func (v PackageVersion) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON accepts "-" (Empty) or any string TryParse accepts.
func (v *PackageVersion) UnmarshalJSON(data []byte) error {
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	if raw == "-" {
		*v = Empty
		return nil
	}
	*v = TryParse(raw)
	return nil
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other, per §3's total order: Empty sorts below every valid
// version; among valid versions, major/minor/patch order first, then a
// pre-release sorts below the same M.m.p release, and between two
// pre-releases the comparison is lexicographic on the identifier.
func (v PackageVersion) Compare(other PackageVersion) int {
	if !v.valid && !other.valid {
		return 0
	}
	if !v.valid {
		return -1
	}
	if !other.valid {
		return 1
	}

	if c := compareInt(v.major, other.major); c != 0 {
		return c
	}
	if c := compareInt(v.minor, other.minor); c != 0 {
		return c
	}
	if c := compareInt(v.patch, other.patch); c != 0 {
		return c
	}

	if !v.hasPrerelease && !other.hasPrerelease {
		return 0
	}
	if !v.hasPrerelease {
		// v is a release, other is a pre-release of the same M.m.p: v is greater.
		return 1
	}
	if !other.hasPrerelease {
		return -1
	}
	return strings.Compare(v.prerelease, other.prerelease)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether v sorts strictly before other.
func (v PackageVersion) Less(other PackageVersion) bool {
	return v.Compare(other) < 0
}

// Equal reports whether v and other denote the same version.
func (v PackageVersion) Equal(other PackageVersion) bool {
	return v.Compare(other) == 0
}

// SortDescending sorts versions from highest to lowest in place.
func SortDescending(versions []PackageVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) > 0
	})
}

// Max returns the highest version in versions, or Empty if versions is
// empty.
func Max(versions []PackageVersion) PackageVersion {
	max := Empty
	for _, v := range versions {
		if v.Compare(max) > 0 {
			max = v
		}
	}
	return max
}
