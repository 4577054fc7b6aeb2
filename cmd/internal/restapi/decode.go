package restapi

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// envelopeKeys are the wrapper fields the backend uses around payloads.
var envelopeKeys = []string{"data", "result", "payload"}

// unwrap strips {data: ...}-style envelopes.
func unwrap(v any) any {
	for i := 0; i < 3; i++ {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		var inner any
		found := false
		for _, k := range envelopeKeys {
			if x, ok := m[k]; ok && x != nil {
				inner, found = x, true
				break
			}
		}
		if !found {
			return v
		}
		v = inner
	}
	return v
}

// listOf finds the list in v, either v itself or the first list under one of keys.
func listOf(v any, keys ...string) []map[string]any {
	v = unwrap(v)
	if m, ok := v.(map[string]any); ok {
		for _, k := range keys {
			if x, ok := m[k]; ok {
				v = unwrap(x)
				break
			}
		}
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// objectOf returns the payload object of v, looking under keys first.
func objectOf(v any, keys ...string) map[string]any {
	v = unwrap(v)
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if x, ok := m[k].(map[string]any); ok {
			return x
		}
	}
	return m
}

// decodeInto fills out from m with weak typing: numbers and strings convert freely.
func decodeInto(m map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       numberHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

func numberHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.String:
		return n.String(), nil
	case reflect.Float32, reflect.Float64:
		return n.Float64()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		return int64(f), err
	case reflect.Bool:
		return n.String() != "0", nil
	}
	return data, nil
}

// str returns the first non-empty scalar under keys, rendered as a string.
func str(m map[string]any, keys ...string) string {
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
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}
