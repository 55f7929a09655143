package storage

import (
	"context"
	"strings"
	"testing"

	"curtailment-cashflow/internal/config"
)

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}, "curtailctl"); err == nil {
		t.Fatal("empty dsn 应报错")
	}
}

func TestNewPoolRejectsMalformedDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "postgres://%zz"}, "curtailctl")
	if err == nil || !strings.Contains(err.Error(), "parse database dsn") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
