package telemetry

import (
	"context"
	"testing"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := Init(context.Background(), "streamgate", "test")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Init() shutdown = nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestParseSampleRate(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want float64
	}{
		{"unset", "", 0.1},
		{"valid", "0.5", 0.5},
		{"zero", "0", 0},
		{"one", "1", 1},
		{"negative", "-0.2", 0.1},
		{"above one", "1.5", 0.1},
		{"garbage", "lots", 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_TRACE_SAMPLE_RATE", tt.env)
			if got := parseSampleRate(); got != tt.want {
				t.Errorf("parseSampleRate() = %v, want %v", got, tt.want)
			}
		})
	}
}
