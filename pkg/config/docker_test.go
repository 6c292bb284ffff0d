package config

import (
	"testing"
)

func TestResolveHostForDocker_NotInDocker(t *testing.T) {
	// These hosts should never be modified regardless of Docker status
	tests := []struct {
		input    string
		expected string
	}{
		{"erp.example.com", "erp.example.com"},
		{"192.168.1.100", "192.168.1.100"},
		{"host.docker.internal", "host.docker.internal"},
	}

	for _, tt := range tests {
		result := ResolveHostForDocker(tt.input)
		if result != tt.expected {
			t.Errorf("ResolveHostForDocker(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestResolveHostForDocker_LocalhostVariants(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		result := ResolveHostForDocker(host)
		if IsRunningInDocker() {
			if result != "host.docker.internal" {
				t.Errorf("ResolveHostForDocker(%q) in Docker = %q, want %q", host, result, "host.docker.internal")
			}
		} else if result != host {
			t.Errorf("ResolveHostForDocker(%q) not in Docker = %q, want %q", host, result, host)
		}
	}
}

func TestRewriteURLHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:8069", "http://host.docker.internal:8069"},
		{"http://127.0.0.1/jsonrpc", "http://host.docker.internal/jsonrpc"},
		{"https://erp.example.com", "https://erp.example.com"},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		if got := rewriteURLHost(tt.input); got != tt.expected {
			t.Errorf("rewriteURLHost(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
