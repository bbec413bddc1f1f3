package engine

import (
	"strconv"
	"strings"
)

// Settings is the flat, string-valued settings map of an index, keyed with
// the "index." prefix (e.g. "index.blocks.write").
type Settings map[string]string

// NormalizeKey adds the "index." prefix the engine stores settings under.
func NormalizeKey(key string) string {
	if strings.HasPrefix(key, "index.") {
		return key
	}
	return "index." + key
}

// Get returns the raw value for a key, accepting keys with or without prefix.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s[NormalizeKey(key)]
	return v, ok
}

// Bool returns the boolean value of a key, or def when unset or unparseable.
func (s Settings) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int64 returns the integer value of a key, or def when unset or unparseable.
func (s Settings) Int64(key string, def int64) int64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// FlattenSettings converts a possibly nested settings map into the flat,
// prefixed string form.
func FlattenSettings(in map[string]interface{}) Settings {
	out := make(Settings)
	flattenInto(out, "", in)
	return out
}

func flattenInto(out Settings, prefix string, in map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flattenInto(out, key, val)
		case map[string]string:
			for mk, mv := range val {
				out[NormalizeKey(key+"."+mk)] = mv
			}
		case string:
			out[NormalizeKey(key)] = val
		case bool:
			out[NormalizeKey(key)] = strconv.FormatBool(val)
		case int:
			out[NormalizeKey(key)] = strconv.Itoa(val)
		case int64:
			out[NormalizeKey(key)] = strconv.FormatInt(val, 10)
		case float64:
			out[NormalizeKey(key)] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			if val != nil {
				out[NormalizeKey(key)] = toString(val)
			}
		}
	}
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case interface{ String() string }:
		return val.String()
	default:
		return ""
	}
}
