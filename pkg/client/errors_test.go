package client

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRequestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *RequestError
		want []string
	}{
		{
			name: "with wrapped error",
			err: &RequestError{
				URL:        "https://fhir.example.com/Patient/1",
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "Service Unavailable",
				Err:        fmt.Errorf("upstream timeout"),
			},
			want: []string{"503", "server", "Service Unavailable", "upstream timeout"},
		},
		{
			name: "without wrapped error",
			err: &RequestError{
				StatusCode: 429,
				ErrorClass: ErrorClassRateLimit,
				Message:    "Too Many Requests",
			},
			want: []string{"429", "rate_limit", "Too Many Requests"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, fragment := range tt.want {
				if !strings.Contains(msg, fragment) {
					t.Errorf("Error() = %q, missing %q", msg, fragment)
				}
			}
		})
	}
}

func TestRequestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &RequestError{ErrorClass: ErrorClassNetwork, Message: "transport", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is() cannot reach the wrapped error")
	}

	var reqErr *RequestError
	wrapped := fmt.Errorf("fetch failed: %w", err)
	if !errors.As(wrapped, &reqErr) {
		t.Fatal("errors.As() cannot recover *RequestError")
	}
	if reqErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("error class = %q, want %q", reqErr.ErrorClass, ErrorClassNetwork)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ErrorClassNone},
		{304, ErrorClassNone},
		{400, ErrorClassClient},
		{401, ErrorClassAuth},
		{403, ErrorClassAuth},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
