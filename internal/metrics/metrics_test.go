package metrics

import (
	"errors"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/sessions", "/sessions"},
		{"/sessions/42", "/sessions/{owner}"},
		{"/sessions/pending_+15550100", "/sessions/{owner}"},
		{"/sessions/alice/probe", "/sessions/{owner}/probe"},
		{"/", "/"},
		{"", "/"},
		{"/whatever/else", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	if got := Status(nil); got != "success" {
		t.Errorf("Status(nil) = %q", got)
	}
	if got := Status(errors.New("boom")); got != "error" {
		t.Errorf("Status(err) = %q", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	// A second call must not panic on duplicate registration.
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	BlobOperationsTotal.WithLabelValues("upload", "success").Inc()
	BlobOperationDuration.WithLabelValues("upload").Observe(1.5)
	ChunkSize.Observe(1024)
	BytesUploadedTotal.Add(1024)
	BytesDownloadedTotal.Add(2048)
	BlockDeleteFailuresTotal.Inc()
	SessionsActive.Set(3)
	ReconnectsTotal.WithLabelValues("error").Inc()
	TransportCallsTotal.WithLabelValues("send", "success").Inc()
}
