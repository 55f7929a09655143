package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogWriterWritesFileAsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "curtailctl.log")
	var stdout bytes.Buffer

	w := logWriter(Config{Format: "console", File: FileConfig{Path: path}}, &stdout)
	logger := zerolog.New(w)
	logger.Info().Str("unit", "T_TEST-1").Msg("unit reconciled")

	if !strings.Contains(stdout.String(), "unit reconciled") {
		t.Fatalf("console 输出缺少日志: %q", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"unit":"T_TEST-1"`) {
		t.Fatalf("log file not JSON: %q", data)
	}
}

func TestLogWriterWithoutFile(t *testing.T) {
	var stdout bytes.Buffer
	w := logWriter(Config{}, &stdout)
	if w != &stdout {
		t.Fatalf("expected plain stdout writer")
	}
}

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "WARN"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %s, want warn", logger.GetLevel())
	}
	logger = NewLogger(Config{Level: "nonsense"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info")
	}
}
