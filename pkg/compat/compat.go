// Package compat decides whether a plugin's declared core version range is
// satisfied by the running core version.
//
// Version parsing is permissive on purpose: a leading "v" is dropped, pre-release
// and build suffixes are ignored, and every missing or malformed segment reads as 0.
// "1", "1.x" and "1.0.0-beta" all parse as 1.0.0. Nothing here returns an error.
package compat

import (
	"fmt"
	"strings"
)

// Version is a parsed major.minor.patch triple
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses s permissively. It never fails.
func ParseVersion(s string) Version {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}

	var segs [3]int
	for i, part := range strings.SplitN(s, ".", 3) {
		segs[i] = leadingInt(part)
	}
	return Version{Major: segs[0], Minor: segs[1], Patch: segs[2]}
}

// leadingInt returns the value of the leading decimal digits of s, or 0.
func leadingInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		if n > 1<<30 {
			break
		}
	}
	return n
}

// Compare returns -1, 0 or 1 comparing a to b field by field
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	default:
		return sign(a.Patch - b.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// SatisfiesCore reports whether core satisfies rangeExpr. Supported forms are
// "^X.Y.Z", ">=X.Y.Z", "<=X.Y.Z", ">X.Y.Z", "<X.Y.Z", "=X.Y.Z" and a bare
// version for an exact match. An empty expression is always satisfied.
func SatisfiesCore(rangeExpr, core string) bool {
	expr := strings.TrimSpace(rangeExpr)
	if expr == "" {
		return true
	}

	v := ParseVersion(core)
	switch {
	case strings.HasPrefix(expr, "^"):
		lo := ParseVersion(expr[1:])
		hi := Version{Major: lo.Major + 1}
		return Compare(v, lo) >= 0 && Compare(v, hi) < 0
	case strings.HasPrefix(expr, ">="):
		return Compare(v, ParseVersion(expr[2:])) >= 0
	case strings.HasPrefix(expr, "<="):
		return Compare(v, ParseVersion(expr[2:])) <= 0
	case strings.HasPrefix(expr, ">"):
		return Compare(v, ParseVersion(expr[1:])) > 0
	case strings.HasPrefix(expr, "<"):
		return Compare(v, ParseVersion(expr[1:])) < 0
	case strings.HasPrefix(expr, "="):
		return Compare(v, ParseVersion(expr[1:])) == 0
	default:
		return Compare(v, ParseVersion(expr)) == 0
	}
}

// Result is the outcome of a manifest compatibility check
type Result struct {
	Compatible bool
	Reason     string
}

// CheckManifest checks both declared bounds of a manifest against core.
// Each bound is a full range expression and an empty bound is no constraint.
func CheckManifest(minCore, maxCore, core string) Result {
	if !SatisfiesCore(minCore, core) {
		return Result{Reason: fmt.Sprintf("core %s does not satisfy min_core_version %q", core, minCore)}
	}
	if !SatisfiesCore(maxCore, core) {
		return Result{Reason: fmt.Sprintf("core %s does not satisfy max_core_version %q", core, maxCore)}
	}
	return Result{Compatible: true}
}
