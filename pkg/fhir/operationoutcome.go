package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codingSystemBase prefixes the detail coding systems on synthesized
// OperationOutcome resources.
const codingSystemBase = "https://fhir.clinsight.dev"

// ErrorDetails carries the request context embedded into a synthesized
// OperationOutcome when a fetch fails.
type ErrorDetails struct {
	URL          string
	Error        string
	Status       int
	ResourceType string
	IDs          []string
	AccessToken  string
	RequestID    string
	ExtraContext map[string]any
}

// NewOperationOutcome synthesizes the error resource for a failed fetch.
// The issue code reflects the status (401 expired, 404 not-found, otherwise
// exception); the details coding and the diagnostics JSON both carry the
// full request context so a branch failure stays debuggable inside the
// assembled result.
func NewOperationOutcome(d ErrorDetails) Resource {
	type coding struct {
		System string `json:"system"`
		Code   any    `json:"code"`
	}

	var codings []coding
	if d.URL != "" {
		codings = append(codings, coding{System: codingSystemBase + "/url", Code: d.URL})
	}
	if d.ResourceType != "" {
		codings = append(codings, coding{System: codingSystemBase + "/resourceType", Code: d.ResourceType})
	}
	if len(d.IDs) > 0 {
		codings = append(codings, coding{System: codingSystemBase + "/id", Code: strings.Join(d.IDs, ",")})
	}
	codings = append(codings, coding{System: codingSystemBase + "/statuscode", Code: d.Status})
	if d.AccessToken != "" {
		codings = append(codings, coding{System: codingSystemBase + "/accessToken", Code: d.AccessToken})
	}

	diagnostics, err := json.Marshal(map[string]any{
		"url":          d.URL,
		"error":        d.Error,
		"status":       d.Status,
		"extraContext": d.ExtraContext,
		"accessToken":  d.AccessToken,
		"requestId":    d.RequestID,
		"resourceType": d.ResourceType,
		"id":           strings.Join(d.IDs, ","),
	})
	if err != nil {
		diagnostics = []byte(fmt.Sprintf("%q", d.Error))
	}

	outcome := map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{
			{
				"severity":    "error",
				"code":        issueCode(d.Status),
				"details":     map[string]any{"coding": codings},
				"diagnostics": string(diagnostics),
			},
		},
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		// Marshal of map[string]any over plain values cannot fail; keep a
		// minimal resource if it somehow does.
		data = []byte(`{"resourceType":"OperationOutcome"}`)
	}
	return Resource(data)
}

func issueCode(status int) string {
	switch status {
	case 401:
		return "expired"
	case 404:
		return "not-found"
	default:
		return "exception"
	}
}

// IsOperationOutcome reports whether the resource is an OperationOutcome.
func IsOperationOutcome(r Resource) bool {
	return r.Type() == "OperationOutcome"
}
