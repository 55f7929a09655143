package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "reconcile:\n  units: [T_TEST-1]\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Reconcile.SettlementPeriod != 30*time.Minute {
		t.Fatalf("settlement period = %s", cfg.Reconcile.SettlementPeriod)
	}
	if cfg.Elexon.MaxConcurrent != 10 || cfg.Elexon.MaxRetries != 5 {
		t.Fatalf("unexpected elexon defaults: %+v", cfg.Elexon)
	}
	if cfg.Elexon.MaxSpan != 6*24*time.Hour || cfg.Elexon.ChunkSpan != 5*24*time.Hour {
		t.Fatalf("unexpected chunking defaults: %+v", cfg.Elexon)
	}
	if len(cfg.Reconcile.Units) != 1 || cfg.Reconcile.Units[0] != "T_TEST-1" {
		t.Fatalf("units = %v", cfg.Reconcile.Units)
	}
	if cfg.ReportInterval() != 30*time.Minute {
		t.Fatalf("report interval = %s", cfg.ReportInterval())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CURTAIL_RECONCILE_INTERVAL", "1d")
	t.Setenv("CURTAIL_RECONCILE_ENERGY_UNIT", "GWh")
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReportInterval() != 24*time.Hour {
		t.Fatalf("环境变量未生效: %s", cfg.ReportInterval())
	}
	if cfg.Reconcile.EnergyUnit != "GWh" {
		t.Fatalf("energy unit = %s", cfg.Reconcile.EnergyUnit)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad unit":        "reconcile:\n  energy_unit: TWh\n",
		"bad interval":    "reconcile:\n  interval: 10s\n",
		"short lookback":  "reconcile:\n  lookback: 10m\n",
		"telegram token":  "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"chunk over span": "elexon:\n  max_span: 24h\n  chunk_span: 48h\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestResolveOverrides(t *testing.T) {
	cfg := &Config{Reconcile: ReconcileConfig{Units: []string{"A"}}, Export: ExportConfig{MaxRows: 5}}
	if got := cfg.ResolveUnits([]string{"B"}); len(got) != 1 || got[0] != "B" {
		t.Fatalf("override ignored: %v", got)
	}
	if got := cfg.ResolveUnits(nil); got[0] != "A" {
		t.Fatalf("configured units ignored: %v", got)
	}
	if cfg.ResolveMaxRows(0) != 5 || cfg.ResolveMaxRows(9) != 9 {
		t.Fatalf("max rows resolution wrong")
	}
}
