package tcmu

import "testing"

func TestDefaultConfigHasSaneMetricsListen(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Metrics.Listen == "" {
		t.Fatal("expected a default metrics listen address")
	}
	if cfg.Threads == 0 {
		t.Fatal("expected a default worker thread count")
	}
	if cfg.PingInterval <= 0 {
		t.Fatal("expected a default ping interval")
	}
}

func TestValidateRequiresEndpointAndVolume(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing endpoint and volume")
	}
	cfg.Endpoint = "127.0.0.1:7000"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing volume")
	}
	cfg.Volume = "vol0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/sheepdogtcmu.yaml"); err == nil {
		t.Fatal("expected error opening a nonexistent config file")
	}
}
