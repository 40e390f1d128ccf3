// Package version picks the upstream template version a consumer should
// move to.
package version

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Valid reports whether s is a strict semantic version after trimming
// whitespace and a leading "=" or "v", and returns the normalized form.
func Valid(s string) (string, bool) {
	v, err := parse(s)
	if err != nil {
		return "", false
	}
	return v.String(), true
}

// DefaultRange returns the "<major>.x" range for base, or "" when base is
// not a valid version.
func DefaultRange(base string) string {
	v, err := parse(base)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d.x", v.Major())
}

// Resolve returns the greatest version in versions that satisfies rangeExpr
// and is not lower than base. An empty rangeExpr means DefaultRange(base).
// Unparsable entries are skipped; an invalid base or range yields no match.
func Resolve(versions []string, base, rangeExpr string) (string, bool) {
	baseVersion, err := parse(base)
	if err != nil {
		return "", false
	}
	if rangeExpr == "" {
		rangeExpr = DefaultRange(base)
	}

	inRange, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return "", false
	}

	for _, v := range filterParseSort(versions) {
		if inRange.Check(v) && !v.LessThan(baseVersion) {
			return v.Original(), true
		}
	}
	return "", false
}

// filterParseSort keeps the strict semantic versions of candidates, in
// descending order.
func filterParseSort(candidates []string) []*semver.Version {
	var versions []*semver.Version
	for _, c := range candidates {
		v, err := semver.StrictNewVersion(c)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}

	slices.SortFunc(versions, func(a, b *semver.Version) int {
		return b.Compare(a)
	})
	return versions
}

func parse(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "=")
	s = strings.TrimPrefix(s, "v")
	return semver.StrictNewVersion(s)
}

// ValidateRange reports whether rangeExpr is a usable range expression.
func ValidateRange(rangeExpr string) error {
	if _, err := semver.NewConstraint(rangeExpr); err != nil {
		return fmt.Errorf("invalid version range %q: %w", rangeExpr, err)
	}
	return nil
}
