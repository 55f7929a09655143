package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.ListRecentCashflows(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池时应返回 ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("advisory lock: got %v", err)
	}
	if err := s.EnsureSchema(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ensure schema: got %v", err)
	}
	s.Close()
}

func TestEmptyBatchesSkipPool(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	if err := s.UpsertImbalance(ctx, nil); err != nil {
		t.Fatalf("empty imbalance batch: %v", err)
	}
	if err := s.UpsertCashflows(ctx, nil); err != nil {
		t.Fatalf("empty cashflow batch: %v", err)
	}
	if err := s.UpsertCashflows(ctx, []CashflowRow{{Unit: "T_TEST-1"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("non-empty batch without pool: got %v", err)
	}
	if _, err := s.ListImbalance(ctx, "", VariantTotal, time.Time{}, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("list imbalance: got %v", err)
	}
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{
		"reconcile_runs",
		"imbalance_records",
		"period_cashflows",
		"indicative_cashflows",
		"skipped_periods",
		"alerts",
	} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func TestNullableUUID(t *testing.T) {
	if nullableUUID(uuid.Nil) != nil {
		t.Fatalf("nil uuid should map to NULL")
	}
	id := uuid.New()
	if got, ok := nullableUUID(id).(uuid.UUID); !ok || got != id {
		t.Fatalf("uuid not passed through")
	}
}
