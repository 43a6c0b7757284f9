package filelock

import (
	"path"
	"strings"
)

const globMeta = `*?[\`

// hasMeta reports whether s contains glob metacharacters.
func hasMeta(s string) bool {
	return strings.ContainsAny(s, globMeta)
}

// Intersects reports whether two lock targets could name a common path.
// The relation is symmetric. Literal targets intersect only when equal; a
// pattern intersects any literal it matches; two patterns intersect when
// either matches the other or when a segment-by-segment comparison cannot
// rule out a common path. "**" matches any number of segments.
func Intersects(a, b string) bool {
	if a == b {
		return true
	}
	am, bm := hasMeta(a), hasMeta(b)
	switch {
	case !am && !bm:
		return false
	case am && !bm:
		return Match(a, b)
	case !am && bm:
		return Match(b, a)
	}
	if Match(a, b) || Match(b, a) {
		return true
	}
	return segmentsOverlap(strings.Split(a, "/"), strings.Split(b, "/"))
}

// Match reports whether name matches pattern, with "**" spanning segments.
func Match(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		ok, err := path.Match(pattern, name)
		return err == nil && ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

// segmentsOverlap conservatively decides whether two patterns share a path.
// It returns false only when some aligned segment pair provably differs.
func segmentsOverlap(a, b []string) bool {
	for len(a) > 0 && len(b) > 0 {
		sa, sb := a[0], b[0]
		if sa == "**" || sb == "**" {
			return true
		}
		am, bm := hasMeta(sa), hasMeta(sb)
		switch {
		case !am && !bm:
			if sa != sb {
				return false
			}
		case am && !bm:
			if ok, err := path.Match(sa, sb); err != nil || !ok {
				return false
			}
		case !am && bm:
			if ok, err := path.Match(sb, sa); err != nil || !ok {
				return false
			}
		default:
			pa, pb := literalPrefix(sa), literalPrefix(sb)
			if !strings.HasPrefix(pa, pb) && !strings.HasPrefix(pb, pa) {
				return false
			}
		}
		a, b = a[1:], b[1:]
	}
	return onlyDoubleStar(a) && onlyDoubleStar(b)
}

func literalPrefix(s string) string {
	if i := strings.IndexAny(s, globMeta); i >= 0 {
		return s[:i]
	}
	return s
}

func onlyDoubleStar(segs []string) bool {
	for _, s := range segs {
		if s != "**" {
			return false
		}
	}
	return true
}
