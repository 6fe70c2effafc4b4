// Package version parses and orders major.minor.patch version strings.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	apperrors "relupd/internal/errors"
)

// Version is a parsed major.minor.patch triple with optional metadata.
// Ordering only looks at the numeric triple.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Build      string
	Raw        string
}

var (
	versionRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)
	tagRegex     = regexp.MustCompile(`^v(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)
)

// Parse parses a bare version such as "1.2.3" or "1.2.3-rc.1+build5".
// Surrounding whitespace is ignored. Anything else fails with InvalidFormat.
func Parse(text string) (Version, error) {
	return parseWith(versionRegex, text)
}

// ParseTag parses a release tag of the form v<major>.<minor>.<patch>.
func ParseTag(tag string) (Version, error) {
	return parseWith(tagRegex, tag)
}

// MustParse is Parse for literals known to be valid.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

func parseWith(re *regexp.Regexp, text string) (Version, error) {
	s := strings.TrimSpace(text)
	matches := re.FindStringSubmatch(s)
	if matches == nil {
		return Version{}, invalid(text, nil)
	}

	nums := make([]int, 3)
	for i := range nums {
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return Version{}, invalid(text, err)
		}
		nums[i] = n
	}

	return Version{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: matches[4],
		Build:      matches[5],
		Raw:        s,
	}, nil
}

func invalid(text string, cause error) *apperrors.AppError {
	return apperrors.ValidationError(apperrors.CodeInvalidFormat, fmt.Sprintf("invalid version %q", text), cause).
		WithModule("version").
		WithOperation("Parse")
}

// String renders the numeric triple plus any metadata, without a "v" prefix.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Core renders only major.minor.patch.
func (v Version) Core() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1. Pre-release and build metadata are ignored.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	return compareInt(a.Patch, b.Patch)
}

// Compare compares v with other, see Compare.
func (v Version) Compare(other Version) int {
	return Compare(v, other)
}

// LessThan reports whether v < other.
func (v Version) LessThan(other Version) bool {
	return Compare(v, other) < 0
}

// GreaterThan reports whether v > other.
func (v Version) GreaterThan(other Version) bool {
	return Compare(v, other) > 0
}

// Equal reports whether v and other share the same numeric triple.
func (v Version) Equal(other Version) bool {
	return Compare(v, other) == 0
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
