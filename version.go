package chainfeed

import (
	"fmt"
	"strconv"
	"strings"
)

// CompareVersions orders two dotted version identifiers ("v1.4.2").
// Components compare as integer tuples; a missing or non-numeric
// component is treated as zero. Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	as := splitVersion(a)
	bs := splitVersion(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// BumpPatch increments the last numeric component of a version string,
// preserving the "v" prefix when present. "v1.4.2" becomes "v1.4.3".
func BumpPatch(version string) string {
	prefix := ""
	rest := version
	if strings.HasPrefix(rest, "v") {
		prefix = "v"
		rest = rest[1:]
	}
	parts := strings.Split(rest, ".")
	if len(parts) == 0 {
		return version
	}
	last := len(parts) - 1
	n, err := strconv.Atoi(parts[last])
	if err != nil {
		// Non-numeric tail: append a patch component instead.
		return fmt.Sprintf("%s%s.1", prefix, rest)
	}
	parts[last] = strconv.Itoa(n + 1)
	return prefix + strings.Join(parts, ".")
}

func splitVersion(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
