package flowcache

import (
	"math"
	"reflect"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

// getNow is overridable so tests can control record creation and
// expiry/staleness checks without sleeping.
var getNow = time.Now

// SetNowFunc replaces the time source used for record creation and
// expiry/staleness checks. Intended for tests.
func SetNowFunc(f func() time.Time) { getNow = f }

// Tag is a (name, version) pair participating in grouped invalidation. A
// tag's version is a monotonically non-decreasing wall-clock millisecond
// value; a tag never seen by storage is treated as version 0.
type Tag struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// TagSet carries the tags attached to a cached value: a static list, a
// function deriving names from the value being cached, or both at once. When
// both are present the final tag list is their duplicate-free,
// order-preserving union.
type TagSet struct {
	names  []string
	fromFn func(value any) ([]string, error)
}

// StaticTags builds a TagSet from a fixed list of tag names.
func StaticTags(names ...string) TagSet { return TagSet{names: names} }

// ComputedTags builds a TagSet whose names are derived from the value being
// cached. The function must return a sequence of strings; any other
// resolution failure is a type error surfaced to the caller of Set.
func ComputedTags(fn func(value any) ([]string, error)) TagSet { return TagSet{fromFn: fn} }

// CombinedTags builds a TagSet from both a fixed list of names and a
// function deriving additional names from the value being cached. The
// resolved tag list is their union.
func CombinedTags(names []string, fn func(value any) ([]string, error)) TagSet {
	return TagSet{names: names, fromFn: fn}
}

func (t TagSet) resolve(value any) ([]string, error) {
	if t.fromFn == nil {
		return t.names, nil
	}
	computed, err := t.fromFn(value)
	if err != nil {
		return nil, err
	}
	return mergeTagNames(t.names, computed), nil
}

// mergeTagNames returns the duplicate-free union of lists, preserving the
// order names first appear in.
func mergeTagNames(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// Record is the cache envelope carrying a value and its lifetime metadata.
// Value holds the value encoded exactly once (see encode); the envelope
// written to the backing store wraps this field with a second encoding
// pass, matching the wire format of deployed stores this layer must remain
// compatible with.
type Record struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Tags        []Tag  `json:"tags"`
	Permanent   bool   `json:"permanent"`
	ExpiresInMs int64  `json:"expiresIn"`
	CreatedAtMs int64  `json:"createdAt"`
}

// IsExpired reports whether the record is time-expired: never true for a
// permanent record.
func (r *Record) IsExpired() bool {
	if r.Permanent {
		return false
	}
	return getNow().UnixMilli() > r.CreatedAtMs+r.ExpiresInMs
}

// IsExpiringSoon reports whether now is past the refresh-ahead threshold
// factor of the record's lifetime. Always false for permanent records.
func (r *Record) IsExpiringSoon(factor float64) bool {
	if r.Permanent {
		return false
	}
	threshold := r.CreatedAtMs + int64(float64(r.ExpiresInMs)*factor)
	return getNow().UnixMilli() > threshold
}

// newRecord constructs a record enforcing two invariants: an absent value
// carries no tags, and the record is permanent iff expiresIn == 0.
func newRecord(key, encodedValue string, tags []Tag, expiresIn time.Duration) *Record {
	if encodedValue == "" {
		tags = nil
	}
	ms := expiresIn.Milliseconds()
	return &Record{
		Key:         key,
		Value:       encodedValue,
		Tags:        tags,
		Permanent:   ms == 0,
		ExpiresInMs: ms,
		CreatedAtMs: getNow().UnixMilli(),
	}
}

// encode produces the canonical text form of v. A nil value encodes to the
// empty string. Infinity and NaN canonicalize to JSON's neutral "null" form
// at any depth, matching JSON.stringify semantics in the deployed stores
// this format must remain compatible with.
func encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	sanitized := sanitizeForJSON(reflect.ValueOf(v))
	b, err := gojson.Marshal(sanitized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decode parses s into target. An empty s is a no-op (target untouched).
// Any parser failure surfaces as *ParseError.
func decode(s string, target any) error {
	if s == "" {
		return nil
	}
	if err := gojson.Unmarshal([]byte(s), target); err != nil {
		return &ParseError{Cause: err}
	}
	return nil
}

// sanitizeForJSON walks v, replacing any float32/float64 NaN or Inf with nil
// so the subsequent Marshal produces JSON null instead of failing, at any
// nesting depth (maps, slices, structs, pointers).
func sanitizeForJSON(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return sanitizeForJSON(v.Elem())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return v.Interface()
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitizeForJSON(v.Index(i))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[keyToString(iter.Key())] = sanitizeForJSON(iter.Value())
		}
		return out
	case reflect.Struct:
		if _, err := gojson.Marshal(v.Interface()); err == nil {
			return v.Interface()
		}
		t := v.Type()
		out := make(map[string]any, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if !f.IsExported() || name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			out[name] = sanitizeForJSON(v.Field(i))
		}
		return out
	default:
		return v.Interface()
	}
}

func keyToString(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	b, err := gojson.Marshal(v.Interface())
	if err != nil {
		return ""
	}
	return string(b)
}

// encodeEnvelope produces the outer, double-encoded wire payload for rec.
func encodeEnvelope(rec *Record) (string, error) {
	return encode(rec)
}

// decodeEnvelope parses the outer wire payload. A malformed envelope (no
// Key field present) is treated as "no record," never an error, per §4.4.
func decodeEnvelope(payload string) (*Record, bool, error) {
	if payload == "" {
		return nil, false, nil
	}
	var raw map[string]any
	if err := decode(payload, &raw); err != nil {
		return nil, false, nil
	}
	keyVal, ok := raw["key"]
	if !ok {
		return nil, false, nil
	}
	if _, ok := keyVal.(string); !ok {
		return nil, false, nil
	}
	var rec Record
	if err := decode(payload, &rec); err != nil {
		return nil, false, nil
	}
	return &rec, true, nil
}
