package normalize

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SecondsThresholdMillis is 2000-01-01T00:00:00Z in milliseconds. Epoch values
// below it are taken to be seconds.
const SecondsThresholdMillis int64 = 946684800000

// EpochMillis converts an epoch value of unknown unit to milliseconds.
func EpochMillis(v int64) int64 {
	if v > -SecondsThresholdMillis && v < SecondsThresholdMillis {
		return v * 1000
	}
	return v
}

// pickStr returns the first non-empty string value among keys.
func pickStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				s2 := strings.TrimSpace(s)
				if s2 != "" {
					return s2
				}
			}
		}
	}
	return ""
}

// pickID is pickStr that also accepts numeric identifiers.
func pickID(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func pickInt(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := toInt(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return int64(f), true
		}
	case float64:
		return int64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" || !isNumeric(s) {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func isNumeric(s string) bool {
	dot := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
		case c == '.' && !dot && i > 0:
			dot = true
		case c == '-' && i == 0 && len(s) > 1:
		default:
			return false
		}
	}
	return true
}

func pickBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v, true
		case json.Number:
			return v.String() != "0", true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "hc", "club", "vip":
				return true, true
			case "0", "false", "no", "":
				return false, true
			}
		}
	}
	return false, false
}

func pickStrings(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		arr, ok := m[k].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			switch x := v.(type) {
			case string:
				if s := strings.TrimSpace(x); s != "" {
					out = append(out, s)
				}
			case json.Number:
				out = append(out, x.String())
			}
		}
		return out
	}
	return nil
}

func pickMap(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			return sub
		}
	}
	return nil
}

// parseTimeFlexible parses the date layouts seen across upstreams.
func parseTimeFlexible(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

var urlTimestamp = regexp.MustCompile(`p-\d+-(\d+)\.`)

// timestampMillis resolves a record time from item fields: numeric values
// first, then date strings, then a millisecond stamp embedded in the URL.
func timestampMillis(m map[string]any, fields []string, rawURL string) (int64, bool) {
	for _, f := range fields {
		if n, ok := toInt(m[f]); ok && n > 0 {
			return EpochMillis(n), true
		}
	}
	for _, f := range fields {
		if s, ok := m[f].(string); ok && s != "" {
			if t, err := parseTimeFlexible(s); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	if rawURL != "" {
		if sm := urlTimestamp.FindStringSubmatch(rawURL); sm != nil {
			if n, err := strconv.ParseInt(sm[1], 10, 64); err == nil && n > 0 {
				return EpochMillis(n), true
			}
		}
	}
	return 0, false
}

func absoluteURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
