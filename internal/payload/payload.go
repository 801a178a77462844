// Package payload models one scraped record as a tagged value tree.
//
// Scrapers emit arbitrary JSON objects, one per line. The core never
// interprets the payload beyond three reserved keys (crawl_start_datetime,
// item_acquired_datetime, url); everything else is carried opaquely and
// persisted as-is. Values keep their JSON number literals verbatim so the
// canonical form is stable across parse/serialise round trips.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Reserved keys interpreted by the ingestion engine.
const (
	KeyCrawlStart   = "crawl_start_datetime"
	KeyItemAcquired = "item_acquired_datetime"
	KeyURL          = "url"
)

// volatileKeys are excluded from fingerprinting: they change on every
// acquisition of the same content and would defeat deduplication.
var volatileKeys = map[string]bool{
	"scraped_at":    true,
	KeyCrawlStart:   true,
	KeyItemAcquired: true,
}

// Kind discriminates the value tree.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// Value is one node of a parsed payload.
type Value struct {
	kind Kind
	b    bool
	num  json.Number // raw literal, e.g. "1.50"
	str  string
	arr  []Value
	obj  map[string]Value
}

// ErrNotObject is returned by Parse for lines whose top-level JSON value
// is not an object.
var ErrNotObject = errors.New("payload: top-level value is not an object")

// Parse decodes one JSONL line into a Value. The top-level value must be
// an object per the subprocess output contract.
func Parse(line []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("payload: decode line: %w", err)
	}
	// Reject trailing garbage after the first value.
	if dec.More() {
		return Value{}, errors.New("payload: trailing data after JSON value")
	}
	v := fromAny(raw)
	if v.kind != Object {
		return Value{}, ErrNotObject
	}
	return v, nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Value{kind: Null}
	case bool:
		return Value{kind: Bool, b: t}
	case json.Number:
		return Value{kind: Number, num: t}
	case string:
		return Value{kind: String, str: t}
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromAny(e)
		}
		return Value{kind: Array, arr: arr}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = fromAny(e)
		}
		return Value{kind: Object, obj: obj}
	default:
		// encoding/json only produces the types above.
		return Value{kind: Null}
	}
}

// Kind reports the node's type.
func (v Value) Kind() Kind { return v.kind }

// Field returns the named member of an object node.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Str returns the string content of a String node.
func (v Value) Str() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.str, true
}

// URL returns the reserved url key, if present and a string.
func (v Value) URL() (string, bool) {
	f, ok := v.Field(KeyURL)
	if !ok {
		return "", false
	}
	return f.Str()
}

// CrawlStartRaw returns the raw crawl_start_datetime string. Retention
// groups sessions by this raw value without parsing it.
func (v Value) CrawlStartRaw() (string, bool) {
	f, ok := v.Field(KeyCrawlStart)
	if !ok {
		return "", false
	}
	return f.Str()
}

// CrawlStart returns the parsed crawl_start_datetime instant.
func (v Value) CrawlStart() (time.Time, bool) {
	s, ok := v.CrawlStartRaw()
	if !ok {
		return time.Time{}, false
	}
	return parseInstant(s)
}

// ItemAcquired returns the parsed item_acquired_datetime instant.
func (v Value) ItemAcquired() (time.Time, bool) {
	f, ok := v.Field(KeyItemAcquired)
	if !ok {
		return time.Time{}, false
	}
	s, ok := f.Str()
	if !ok {
		return time.Time{}, false
	}
	return parseInstant(s)
}

// instantLayouts are tried in order when parsing reserved datetime keys.
// Scrapers emit either ISO-8601 or the space-separated form.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseInstant(s string) (time.Time, bool) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Canonical serialises the full value with object keys sorted. Two payloads
// that differ only in field order produce identical canonical bytes.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.encode(&buf, nil)
	return buf.Bytes()
}

// Fingerprint returns the 64-hex content hash over the canonical
// serialisation with volatile keys excluded from the top-level object.
func (v Value) Fingerprint() string {
	var buf bytes.Buffer
	v.encode(&buf, volatileKeys)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// encode writes the canonical form. skip drops the named top-level keys
// and is nil for nested objects.
func (v Value) encode(buf *bytes.Buffer, skip map[string]bool) {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(v.num.String())
	case String:
		b, _ := json.Marshal(v.str)
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.encode(buf, nil)
		}
		buf.WriteByte(']')
	case Object:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			if skip[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v.obj[k].encode(buf, nil)
		}
		buf.WriteByte('}')
	}
}

// MarshalJSON emits the canonical form, so payloads persist deterministically.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Canonical(), nil
}
