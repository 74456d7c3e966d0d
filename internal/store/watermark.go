package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Watermark values travel through two drivers and several table histories, so
// they arrive as native timestamps, RFC3339 strings, bare SQL datetime
// strings with or without fractional seconds, or unix epochs. All forms
// normalize to UTC before comparison.
var watermarkLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseWatermark(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("watermark is null")
	case time.Time:
		return val.UTC(), nil
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case float64:
		sec := int64(val)
		nsec := int64((val - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	case []byte:
		return parseWatermarkString(string(val))
	case string:
		return parseWatermarkString(val)
	default:
		return time.Time{}, fmt.Errorf("unsupported watermark type %T", v)
	}
}

func parseWatermarkString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("watermark is empty")
	}
	for _, layout := range watermarkLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable watermark %q", s)
}
