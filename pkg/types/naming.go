package types

import (
	"strconv"
	"strings"
)

// IndexNumber returns the numeric suffix of a managed index name such as
// "graylog_42". Names without a purely numeric suffix report false.
func IndexNumber(prefix, name string) (int, bool) {
	if !strings.HasPrefix(name, prefix+"_") {
		return 0, false
	}
	return parseOrdinal(name[len(prefix)+1:])
}

// IndexOrdinal returns the numeric suffix after the last underscore of name.
func IndexOrdinal(name string) (int, bool) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return 0, false
	}
	return parseOrdinal(name[i+1:])
}

// IndexName builds the managed index name for a number.
func IndexName(prefix string, n int) string {
	return prefix + "_" + strconv.Itoa(n)
}

func parseOrdinal(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
