package zeroconf

import (
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// DNS-SD instance names are a single DNS label.
const maxServiceNameLength = 63

var alternativeSuffix = regexp.MustCompile(`^(.*) \(([0-9]+)\)$`)

// AlternativeServiceName derives the next candidate after a name collision,
// "cam" becomes "cam (2)" and "cam (2)" becomes "cam (3)". The result always
// differs from name.
func AlternativeServiceName(name string) string {
	base, n := name, 1
	if m := alternativeSuffix.FindStringSubmatch(name); m != nil {
		if v, err := strconv.Atoi(m[2]); err == nil && v >= 1 {
			base, n = m[1], v
		}
	}

	suffix := fmt.Sprintf(" (%d)", n+1)
	if len(base)+len(suffix) > maxServiceNameLength {
		base = truncateUTF8(base, maxServiceNameLength-len(suffix))
	}

	return base + suffix
}

func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	} else if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
