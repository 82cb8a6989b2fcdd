// Package fwversion parses and compares dotted numeric firmware version
// strings such as "1.2" or "2.0.1". Comparison is numeric per component,
// and versions of different component counts are comparable: missing
// trailing components count as zero, so "1.2" equals "1.2.0".
package fwversion

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed dotted numeric version. It is immutable once parsed.
type Version []uint64

// Parse parses a dotted numeric version string. A single leading 'v' or 'V'
// is stripped. The empty string parses as version 0. Anything other than
// digits separated by single dots is rejected, so pre-release style tags
// like "1.2-rc1" are an error rather than being silently truncated.
func Parse(s string) (Version, error) {
	orig := s
	if s == "" {
		return Version{0}, nil
	}
	if s[0] == 'v' || s[0] == 'V' {
		s = s[1:]
	}
	// A bare "v" carries no numeric content and falls through to the
	// empty-component error below.
	parts := strings.Split(s, ".")
	v := make(Version, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("version %q has an empty component", orig)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("version %q has a non-numeric component %q", orig, p)
		}
		v = append(v, n)
	}
	return v, nil
}

// MustParse parses a version string and panics on error. For use with
// trusted inputs such as compile-time constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or +1 as v is ordered before, equal to, or after o.
// Shorter versions are padded with zero components, so "2" > "1.9.9" and
// "1.2" == "1.2.0".
func (v Version) Compare(o Version) int {
	n := len(v)
	if len(o) > n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		if a > b {
			return 1
		}
		if a < b {
			return -1
		}
	}
	return 0
}

// LessThan reports whether v is strictly older than o.
func (v Version) LessThan(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}

// Compare parses both strings and compares them. It returns an error if
// either string is not a well-formed dotted numeric version.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
