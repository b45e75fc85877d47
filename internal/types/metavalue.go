package types

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// METADATA (tagged union)
// =============================================================================

// MetaKind discriminates the MetaValue union.
type MetaKind int

const (
	MetaNull MetaKind = iota
	MetaString
	MetaNumber
	MetaBool
	MetaList
	MetaMap
)

// MetaValue is a dynamically-typed metadata value. Unknown shapes survive a
// load/store round trip; accessors are typed and never panic.
type MetaValue struct {
	Kind MetaKind
	str  string
	num  float64
	b    bool
	list []MetaValue
	m    map[string]MetaValue
}

// Metadata is the open metadata map attached to items.
type Metadata map[string]MetaValue

// Constructors.

func MetaStr(s string) MetaValue     { return MetaValue{Kind: MetaString, str: s} }
func MetaNum(n float64) MetaValue    { return MetaValue{Kind: MetaNumber, num: n} }
func MetaBoolVal(b bool) MetaValue   { return MetaValue{Kind: MetaBool, b: b} }
func MetaListVal(vs ...MetaValue) MetaValue {
	return MetaValue{Kind: MetaList, list: vs}
}
func MetaMapVal(m map[string]MetaValue) MetaValue {
	return MetaValue{Kind: MetaMap, m: m}
}

// Typed accessors. The bool result reports whether the value has that kind.

func (v MetaValue) AsString() (string, bool) { return v.str, v.Kind == MetaString }
func (v MetaValue) AsNumber() (float64, bool) { return v.num, v.Kind == MetaNumber }
func (v MetaValue) AsBool() (bool, bool)      { return v.b, v.Kind == MetaBool }
func (v MetaValue) AsList() ([]MetaValue, bool) { return v.list, v.Kind == MetaList }
func (v MetaValue) AsMap() (map[string]MetaValue, bool) { return v.m, v.Kind == MetaMap }

// String renders the value for display; lists and maps render as JSON.
func (v MetaValue) String() string {
	switch v.Kind {
	case MetaString:
		return v.str
	case MetaNumber:
		return fmt.Sprintf("%g", v.num)
	case MetaBool:
		return fmt.Sprintf("%t", v.b)
	case MetaList, MetaMap:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as plain JSON (no kind wrapper) so the
// on-disk files stay human-readable.
func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case MetaString:
		return json.Marshal(v.str)
	case MetaNumber:
		return json.Marshal(v.num)
	case MetaBool:
		return json.Marshal(v.b)
	case MetaList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case MetaMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes arbitrary JSON into the union. Unknown shapes
// (numbers, nested objects) are tolerated rather than rejected.
func (v *MetaValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) MetaValue {
	switch val := raw.(type) {
	case nil:
		return MetaValue{Kind: MetaNull}
	case string:
		return MetaStr(val)
	case float64:
		return MetaNum(val)
	case bool:
		return MetaBoolVal(val)
	case []interface{}:
		list := make([]MetaValue, len(val))
		for i, item := range val {
			list[i] = fromInterface(item)
		}
		return MetaValue{Kind: MetaList, list: list}
	case map[string]interface{}:
		m := make(map[string]MetaValue, len(val))
		for k, item := range val {
			m[k] = fromInterface(item)
		}
		return MetaValue{Kind: MetaMap, m: m}
	default:
		return MetaStr(fmt.Sprintf("%v", val))
	}
}

// MetadataFromAny converts a decoded JSON map into Metadata.
func MetadataFromAny(raw map[string]interface{}) Metadata {
	if raw == nil {
		return nil
	}
	md := make(Metadata, len(raw))
	for k, v := range raw {
		md[k] = fromInterface(v)
	}
	return md
}

// Clone returns a shallow-safe copy of the metadata map.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
