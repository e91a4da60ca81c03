// Package fhir provides the minimal FHIR protocol model the client needs:
// resources held as raw JSON with field accessors, search query
// construction, bundle handling, GraphDefinition parsing, and
// OperationOutcome synthesis for failed fetches.
//
// Resources are deliberately schemaless. The client reads the few fields it
// cares about (resourceType, id, reference paths) in place with jsonparser
// and passes the bytes through otherwise, so unknown fields and custom
// resource types survive a round trip untouched.
package fhir

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/buger/jsonparser"
)

// Resource is a FHIR resource held as raw JSON.
type Resource []byte

// Type returns the resourceType field, or "" if absent.
func (r Resource) Type() string {
	t, err := jsonparser.GetString(r, "resourceType")
	if err != nil {
		return ""
	}
	return t
}

// ID returns the id field, or "" if absent.
func (r Resource) ID() string {
	id, err := jsonparser.GetString(r, "id")
	if err != nil {
		return ""
	}
	return id
}

// Key returns the "Type/id" dedup key for the resource.
func (r Resource) Key() string {
	return r.Type() + "/" + r.ID()
}

// Clone returns an independent copy of the resource bytes.
func (r Resource) Clone() Resource {
	return Resource(bytes.Clone(r))
}

// MarshalJSON embeds the raw bytes unchanged.
func (r Resource) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of the raw bytes.
func (r *Resource) UnmarshalJSON(data []byte) error {
	*r = Resource(bytes.Clone(data))
	return nil
}

func (r Resource) String() string {
	return string(r)
}

// WithID returns a copy of the resource with its id field set.
func (r Resource) WithID(id string) (Resource, error) {
	out, err := jsonparser.Set(bytes.Clone(r), []byte(fmt.Sprintf("%q", id)), "id")
	if err != nil {
		return nil, fmt.Errorf("set id on %s: %w", r.Type(), err)
	}
	return Resource(out), nil
}

// WithContained returns a copy of the resource with the given children
// appended to its contained list.
func (r Resource) WithContained(children []Resource) (Resource, error) {
	if len(children) == 0 {
		return r.Clone(), nil
	}
	existing := r.containedEntries()
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, c := range append(existing, children...) {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(c)
	}
	buf.WriteByte(']')
	out, err := jsonparser.Set(bytes.Clone(r), buf.Bytes(), "contained")
	if err != nil {
		return nil, fmt.Errorf("set contained on %s: %w", r.Key(), err)
	}
	return Resource(out), nil
}

func (r Resource) containedEntries() []Resource {
	var out []Resource
	_, _ = jsonparser.ArrayEach(r, func(value []byte, vt jsonparser.ValueType, _ int, _ error) {
		if vt == jsonparser.Object {
			out = append(out, Resource(bytes.Clone(value)))
		}
	}, "contained")
	return out
}

// pathValue is one value found at a dotted path, with its JSON type.
type pathValue struct {
	data []byte
	kind jsonparser.ValueType
}

// extract walks a dotted path on the resource and returns the flattened
// values found there. A "[x]" suffix on a segment marks a list-valued
// property; arrays are flattened and nulls dropped at every step, so the
// marker is informational rather than load-bearing.
func extract(data []byte, path string) []pathValue {
	values := []pathValue{{data: data, kind: jsonparser.Object}}
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSuffix(part, "[x]")
		if part == "" {
			continue
		}
		var next []pathValue
		for _, v := range values {
			if v.kind != jsonparser.Object {
				continue
			}
			value, vt, _, err := jsonparser.Get(v.data, part)
			if err != nil || vt == jsonparser.Null || vt == jsonparser.NotExist {
				continue
			}
			next = appendFlattened(next, value, vt)
		}
		values = next
	}
	return values
}

// appendFlattened appends value to out, recursively flattening arrays.
func appendFlattened(out []pathValue, value []byte, vt jsonparser.ValueType) []pathValue {
	if vt != jsonparser.Array {
		return append(out, pathValue{data: value, kind: vt})
	}
	_, _ = jsonparser.ArrayEach(value, func(el []byte, elType jsonparser.ValueType, _ int, _ error) {
		if elType == jsonparser.Null {
			return
		}
		out = appendFlattened(out, el, elType)
	})
	return out
}

// ReferenceIDs returns the ids of targetType resources referenced from the
// given path on r, in document order with duplicates dropped. Reference
// values may be objects carrying a "reference" string or bare "Binary/..."
// strings. A reference counts only when targetType appears among its
// slash-separated segments; the id is the last non-empty segment, or the
// one before it when the reference ends with a slash.
func (r Resource) ReferenceIDs(path, targetType string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, v := range extract(r, path) {
		var ref string
		switch v.kind {
		case jsonparser.Object:
			s, err := jsonparser.GetString(v.data, "reference")
			if err != nil {
				continue
			}
			ref = s
		case jsonparser.String:
			s := string(v.data)
			if !strings.HasPrefix(s, "Binary/") {
				continue
			}
			ref = s
		default:
			continue
		}
		if id, ok := ReferenceID(ref, targetType); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// EmbeddedResourcesAt returns the objects found at path that carry no
// "reference" field, the shape some servers use for a resource embedded
// directly in its parent (a payor organization written out in full
// inside its Coverage). Each object comes back as a resource of
// targetType, with the resourceType field filled in when the source
// object lacks it; objects declaring a different resourceType are
// skipped.
func (r Resource) EmbeddedResourcesAt(path, targetType string) []Resource {
	var out []Resource
	for _, v := range extract(r, path) {
		if v.kind != jsonparser.Object {
			continue
		}
		if _, err := jsonparser.GetString(v.data, "reference"); err == nil {
			continue
		}
		res := Resource(bytes.Clone(v.data))
		switch res.Type() {
		case "":
			withType, err := jsonparser.Set(res, []byte(fmt.Sprintf("%q", targetType)), "resourceType")
			if err != nil {
				continue
			}
			res = Resource(withType)
		case targetType:
		default:
			continue
		}
		out = append(out, res)
	}
	return out
}

// ReferenceID extracts the id from a reference string such as
// "Practitioner/5", "https://example.com/fhir/Practitioner/5" or
// "example.com/Procedure/1234/". It returns false when the reference does
// not point at targetType.
func ReferenceID(ref, targetType string) (string, bool) {
	parts := strings.Split(ref, "/")
	found := false
	for _, p := range parts {
		if p == targetType {
			found = true
			break
		}
	}
	if !found {
		return "", false
	}
	if last := parts[len(parts)-1]; last != "" {
		return last, true
	}
	if len(parts) > 2 && parts[len(parts)-2] != "" {
		return parts[len(parts)-2], true
	}
	return "", false
}

// SortResources orders resources by resourceType then id, in place.
func SortResources(resources []Resource) {
	slices.SortStableFunc(resources, func(a, b Resource) int {
		if c := strings.Compare(a.Type(), b.Type()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}
