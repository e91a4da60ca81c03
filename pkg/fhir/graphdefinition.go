package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Substitution tokens accepted in GraphTarget.Params.
const (
	// RefToken marks the search parameter that receives the parent ids.
	RefToken = "{ref}"

	// IfModifiedSinceToken is replaced with a configured timestamp, or the
	// whole parameter is dropped when none is configured.
	IfModifiedSinceToken = "{ifModifiedSince}"
)

// GraphDefinition is a declarative traversal: start at one resource type
// and follow links to related resources. Consumed by the graph resolver
// and sent as the body of a server-side $graph call.
type GraphDefinition struct {
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Start string      `json:"start"`
	Link  []GraphLink `json:"link,omitempty"`
}

// GraphLink is one edge set: either a forward reference path on the parent
// resource, or a list of reverse-search targets.
type GraphLink struct {
	Path   string        `json:"path,omitempty"`
	Target []GraphTarget `json:"target,omitempty"`
}

// GraphTarget names the resource type at the far end of a link. Params, if
// set, is a reverse-search template: parameters joined by "&" where exactly
// one ends in {ref}. Nested links continue the traversal below the target.
type GraphTarget struct {
	Type   string      `json:"type"`
	Params string      `json:"params,omitempty"`
	Link   []GraphLink `json:"link,omitempty"`
}

// ParseGraphDefinition parses and validates a GraphDefinition document.
func ParseGraphDefinition(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition is traversable.
func (g *GraphDefinition) Validate() error {
	if g.Start == "" {
		return fmt.Errorf("graph definition requires a start resource type")
	}
	return validateLinks(g.Link, g.Start)
}

func validateLinks(links []GraphLink, where string) error {
	for _, link := range links {
		if len(link.Target) == 0 {
			return fmt.Errorf("link under %s has no targets", where)
		}
		for _, target := range link.Target {
			if target.Type == "" {
				return fmt.Errorf("target under %s has no type", where)
			}
			if link.Path == "" && target.Params == "" && len(target.Link) == 0 {
				return fmt.Errorf("target %s under %s has neither a path, params, nor child links", target.Type, where)
			}
			if target.Params != "" {
				if _, _, err := SplitReverseParams(target.Params); err != nil {
					return fmt.Errorf("target %s under %s: %w", target.Type, where, err)
				}
			}
			if err := validateLinks(target.Link, target.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// SplitReverseParams splits a reverse-search template into the property
// name that receives the parent ids and the remaining parameters, which
// are carried verbatim (the {ifModifiedSince} token is resolved later).
func SplitReverseParams(params string) (property string, rest []string, err error) {
	for _, p := range strings.Split(params, "&") {
		if strings.HasSuffix(p, RefToken) {
			if property != "" {
				return "", nil, fmt.Errorf("params %q contain more than one %s parameter", params, RefToken)
			}
			name, _, found := strings.Cut(p, "=")
			if !found || name == "" {
				return "", nil, fmt.Errorf("params %q: malformed %s parameter", params, RefToken)
			}
			property = name
			continue
		}
		if p != "" {
			rest = append(rest, p)
		}
	}
	if property == "" {
		return "", nil, fmt.Errorf("params %q have no parameter ending in %s", params, RefToken)
	}
	return property, rest, nil
}

// Document renders the definition as a standalone FHIR resource, the form
// the $graph operation expects as its body.
func (g *GraphDefinition) Document() ([]byte, error) {
	type doc struct {
		ResourceType string      `json:"resourceType"`
		ID           string      `json:"id,omitempty"`
		Name         string      `json:"name,omitempty"`
		Status       string      `json:"status"`
		Start        string      `json:"start"`
		Link         []GraphLink `json:"link,omitempty"`
	}
	return json.Marshal(doc{
		ResourceType: "GraphDefinition",
		ID:           g.ID,
		Name:         g.Name,
		Status:       "active",
		Start:        g.Start,
		Link:         g.Link,
	})
}
