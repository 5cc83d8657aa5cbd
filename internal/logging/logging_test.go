package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatConsole, false},
		{"console", FormatConsole, false},
		{"Text", FormatConsole, false},
		{" json ", FormatJSON, false},
		{"yaml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatHeaders(t *testing.T) {
	t.Parallel()

	if got := FormatHeaders(nil); got != "{}" {
		t.Errorf("FormatHeaders(nil) = %q, want {}", got)
	}

	headers := http.Header{
		"X-Ratelimit-Usage": {"10,200"},
		"Authorization":     {"Bearer secret"},
		"Accept":            {"application/json"},
	}
	got := FormatHeaders(headers)
	want := `{Accept: "application/json", Authorization: "[REDACTED]", X-Ratelimit-Usage: "10,200"}`
	if got != want {
		t.Errorf("FormatHeaders() = %s, want %s", got, want)
	}
}

func TestToJSON(t *testing.T) {
	t.Parallel()

	if got := ToJSON(nil); got != "null" {
		t.Errorf("ToJSON(nil) = %q", got)
	}
	if got := ToJSON(map[string]int{"year": 2024}); got != `{"year":2024}` {
		t.Errorf("ToJSON(map) = %q", got)
	}
	if got := ToJSON(func() {}); got != "<marshal error>" {
		t.Errorf("ToJSON(func) = %q", got)
	}

	long := ToJSON(strings.Repeat("a", 3000))
	if !strings.HasSuffix(long, "...(truncated)") || len(long) != 2000+len("...(truncated)") {
		t.Errorf("ToJSON(long) was not truncated, len = %d", len(long))
	}
}

// Setup replaces the package logger, so these run serially
func TestSetupWithWriterJSON(t *testing.T) {
	prev, prevLevel := Logger, currentLevel
	t.Cleanup(func() { Logger, currentLevel = prev, prevLevel })

	var buf bytes.Buffer
	SetupWithWriter(&buf, LevelNormal, FormatJSON)

	Debug("hidden at normal level")
	Info("year fetched", "year", 2024, "pages", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1:\n%s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "year fetched" || entry["level"] != "info" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["year"] != float64(2024) || entry["pages"] != float64(3) {
		t.Errorf("key/value fields missing: %v", entry)
	}
	if IsVerbose() || IsTraceEnabled() {
		t.Error("normal level should not be verbose")
	}
}

func TestSetupWithWriterVerbose(t *testing.T) {
	prev, prevLevel := Logger, currentLevel
	t.Cleanup(func() { Logger, currentLevel = prev, prevLevel })

	var buf bytes.Buffer
	SetupWithWriter(&buf, LevelTrace, FormatConsole)

	(&LeveledLogger{}).Debug("retrying request", "attempt", 2)

	if !strings.Contains(buf.String(), "retrying request") {
		t.Errorf("debug line missing at trace level: %q", buf.String())
	}
	if !IsVerbose() || !IsTraceEnabled() {
		t.Error("trace level should enable verbose and trace")
	}
}
