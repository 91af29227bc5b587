package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signalbot/internal/workitem"
)

func encodePayload(it workitem.Item) ([]byte, error) {
	var v any
	switch it.Kind {
	case workitem.KindSignal:
		v = it.Signal
	case workitem.KindNews:
		v = it.News
	default:
		return nil, fmt.Errorf("unknown kind %q", it.Kind)
	}
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func decodePayload(it *workitem.Item, raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch it.Kind {
	case workitem.KindSignal:
		var s workitem.Signal
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode signal payload %s: %w", it.ID, err)
		}
		it.Signal = &s
	case workitem.KindNews:
		var n workitem.News
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode news payload %s: %w", it.ID, err)
		}
		it.News = &n
	}
	return nil
}

func encodeChannels(ch []string) string {
	if len(ch) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ch)
	return string(b)
}

func decodeChannels(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func appendChannel(ch []string, dest string) []string {
	if dest == "" {
		return ch
	}
	for _, c := range ch {
		if c == dest {
			return ch
		}
	}
	return append(append([]string(nil), ch...), dest)
}

// Times are stored as unix milliseconds in SQLite; 0/NULL means unset.

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v *int64) time.Time {
	if v == nil || *v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*v).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
