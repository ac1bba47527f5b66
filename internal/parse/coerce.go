package parse

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// coerce converts decoded fields to their canonical types. Values that cannot
// be coerced become null and leave a warning; nothing is clamped.
func (p *Parser) coerce(r *Result, m map[string]any) {
	if v, ok := lookup(m, "detected", "ipv_detected"); ok {
		if b, ok := toBool(v); ok {
			r.Detected = &b
		} else {
			r.warn("detected value %s is not a boolean; stored as null", describe(v))
		}
	} else {
		r.warn("response has no detected field")
	}

	if v, ok := lookup(m, "confidence"); ok && v != nil {
		switch f, ok := toFloat(v); {
		case !ok:
			r.warn("confidence value %s is not numeric; stored as null", describe(v))
		case f < 0 || f > 1:
			r.warn("confidence %g outside [0,1]; stored as null", f)
		default:
			r.Confidence = &f
		}
	}

	if v, ok := lookup(m, "indicators", "key_indicators"); ok {
		r.Indicators = toStrings(v)
	}

	if v, ok := lookup(m, "rationale", "reasoning"); ok && v != nil {
		s, isString := v.(string)
		if !isString {
			s = describe(v)
		}
		r.Rationale = p.truncate(strings.TrimSpace(s))
	}
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (p *Parser) truncate(s string) string {
	max := p.opts.MaxRationaleLength
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toStrings returns the de-duplicated, order-preserving list of non-empty
// strings in v. A bare string is treated as a one-element list.
func toStrings(v any) []string {
	out := []string{}
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	switch t := v.(type) {
	case string:
		add(t)
	case []any:
		for _, item := range t {
			switch it := item.(type) {
			case string:
				add(it)
			case nil:
			default:
				add(describe(it))
			}
		}
	}
	return out
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
