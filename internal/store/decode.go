package store

import "time"

// asString coerces a driver-returned column value (string, []byte, or nil)
// to a Go string. modernc.org/sqlite and pgx/v5 surface TEXT columns
// differently depending on driver version, so every repository decodes
// through this helper rather than type-asserting directly.
func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asInt(v interface{}) int {
	return int(asInt64(v))
}

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, nil
	}
}

func asTimePtr(v interface{}) *time.Time {
	t, err := asTime(v)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}
