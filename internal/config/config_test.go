package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Ingest: IngestConfig{FlushInterval: 500 * time.Millisecond},
		Export: ExportConfig{MaxDataPoints: 1000},
		Calibration: CalibrationConfig{
			LagStepMs:      100,
			LagMaxMs:       3000,
			MinCoveragePct: 40,
			LookbackBlocks: 1000,
			BlockChunk:     500,
		},
		Oracles: []OracleConfig{{
			ChainID:   1,
			Address:   "0xabc",
			Heartbeat: 3600,
			Decimals:  8,
		}},
	}
}

func TestValidateAcceptsBaseline(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateOracleScaleFactor(t *testing.T) {
	cases := map[string]struct {
		scale   string
		wantErr bool
	}{
		"empty falls back to default": {scale: "", wantErr: false},
		"positive":                    {scale: "10000000000000000000000000000", wantErr: false},
		"zero":                        {scale: "0", wantErr: true},
		"negative":                    {scale: "-1", wantErr: true},
		"not a number":                {scale: "1e2x", wantErr: true},
	}
	for name, tc := range cases {
		cfg := validConfig()
		cfg.Oracles[0].ScaleFactor = tc.scale
		err := cfg.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected a validation error", name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestValidateOracleBasics(t *testing.T) {
	cfg := validConfig()
	cfg.Oracles[0].Heartbeat = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "heartbeat_seconds") {
		t.Fatalf("expected a heartbeat error, got %v", err)
	}

	cfg = validConfig()
	cfg.Oracles[0].Decimals = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "decimals") {
		t.Fatalf("expected a decimals error, got %v", err)
	}
}
