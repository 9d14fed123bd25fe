package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =empty,tenant=market ")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["api-key"] != "secret" || headers["tenant"] != "market" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitWithoutExportersReturnsShutdown(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "marketd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		endpoint string
		insecure bool
	}{
		{"", defaultEndpoint, false},
		{"collector:4318", "collector:4318", false},
		{"http://collector:4318/", "collector:4318", true},
		{"https://otel.example.com", "otel.example.com", false},
	}
	for _, tc := range cases {
		endpoint, insecure := splitEndpoint(tc.raw)
		if endpoint != tc.endpoint || insecure != tc.insecure {
			t.Fatalf("splitEndpoint(%q) = %q, %v", tc.raw, endpoint, insecure)
		}
	}
}
