package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/buger/jsonparser"
)

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// Bundle is the FHIR container resource for a list of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// NewBundle builds a bundle of the given type from resources.
func NewBundle(bundleType string, resources []Resource) *Bundle {
	b := &Bundle{ResourceType: "Bundle", Type: bundleType}
	for _, r := range resources {
		b.Entry = append(b.Entry, BundleEntry{Resource: r})
	}
	return b
}

// Resources returns the entry resources in order.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

// IsBundle reports whether the body is a Bundle resource.
func IsBundle(body []byte) bool {
	return Resource(body).Type() == "Bundle"
}

// ParseResources extracts the resources from a response body. A Bundle
// yields its entry resources; any other resource passes through as a
// single-element slice. An empty body yields nil.
func ParseResources(body []byte) ([]Resource, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !IsBundle(trimmed) {
		if Resource(trimmed).Type() == "" {
			return nil, fmt.Errorf("body is not a FHIR resource")
		}
		return []Resource{Resource(bytes.Clone(trimmed))}, nil
	}
	var out []Resource
	_, err := jsonparser.ArrayEach(trimmed, func(entry []byte, vt jsonparser.ValueType, _ int, _ error) {
		resource, rt, _, rerr := jsonparser.Get(entry, "resource")
		if rerr != nil || rt != jsonparser.Object {
			return
		}
		out = append(out, Resource(bytes.Clone(resource)))
	}, "entry")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, fmt.Errorf("parse bundle entries: %w", err)
	}
	return out, nil
}

// BundleTotal returns the total field of a bundle body, or -1 when absent.
func BundleTotal(body []byte) int {
	total, err := jsonparser.GetInt(body, "total")
	if err != nil {
		return -1
	}
	return int(total)
}

// WriteNDJSON writes one resource per line to w.
func WriteNDJSON(w io.Writer, resources []Resource) error {
	for _, r := range resources {
		compact := &bytes.Buffer{}
		if err := json.Compact(compact, r); err != nil {
			return fmt.Errorf("compact %s: %w", r.Key(), err)
		}
		compact.WriteByte('\n')
		if _, err := w.Write(compact.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
