package main

import "testing"

func TestProbeURL(t *testing.T) {
	tests := map[string]string{
		"":               "http://localhost:8080/healthz",
		":9000":          "http://localhost:9000/healthz",
		"0.0.0.0:8081":   "http://localhost:8081/healthz",
		"[::]:8082":      "http://localhost:8082/healthz",
		"127.0.0.1:7000": "http://127.0.0.1:7000/healthz",
		"garbage":        "http://localhost:8080/healthz",
	}
	for addr, want := range tests {
		if got := probeURL(addr); got != want {
			t.Errorf("probeURL(%q) = %q, want %q", addr, got, want)
		}
	}
}
