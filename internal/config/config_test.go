package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Load()
	cfg.ManagerID = "manager-1"
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.ServiceName != "fund-execution" {
		t.Fatalf("unexpected service name %s", cfg.ServiceName)
	}
	if cfg.WrappedReferenceAsset != "WETH" || cfg.BareReferenceAsset != "ETH" {
		t.Fatalf("unexpected reference assets %s/%s", cfg.WrappedReferenceAsset, cfg.BareReferenceAsset)
	}
	if cfg.MaxOwnedAssets != 20 {
		t.Fatalf("unexpected registry capacity %d", cfg.MaxOwnedAssets)
	}
	if cfg.MaxRateDeviationBps != 300 {
		t.Fatalf("unexpected deviation bps %d", cfg.MaxRateDeviationBps)
	}
	if !strings.Contains(cfg.DSN(), "dbname=fund") {
		t.Fatalf("unexpected DSN %s", cfg.DSN())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FUND_MANAGER_ID", "manager-9")
	t.Setenv("MAX_OWNED_ASSETS", "5")
	t.Setenv("RECON_CRON", "@every 1m")

	cfg := Load()
	if cfg.ManagerID != "manager-9" {
		t.Fatalf("expected manager-9, got %s", cfg.ManagerID)
	}
	if cfg.MaxOwnedAssets != 5 {
		t.Fatalf("expected 5, got %d", cfg.MaxOwnedAssets)
	}
	if cfg.ReconCron != "@every 1m" {
		t.Fatalf("expected @every 1m, got %s", cfg.ReconCron)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := validConfig()
	cfg.ManagerID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing manager id should fail")
	}

	cfg = validConfig()
	cfg.BareReferenceAsset = cfg.WrappedReferenceAsset
	if err := cfg.Validate(); err == nil {
		t.Fatal("identical reference forms should fail")
	}

	cfg = validConfig()
	cfg.MaxOwnedAssets = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero registry capacity should fail")
	}

	cfg = validConfig()
	cfg.MaxRateDeviationBps = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative deviation should fail")
	}

	cfg = validConfig()
	cfg.SwapVenueURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing venue endpoint should fail")
	}
}
