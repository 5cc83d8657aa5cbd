package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joshdurbin/strava-stats/internal/auth"
	"github.com/joshdurbin/strava-stats/internal/store"
	"github.com/joshdurbin/strava-stats/internal/strava"
)

func TestRangeConfigResolve(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		cfg      RangeConfig
		wantFrom int
		wantTo   int
	}{
		{"defaults to current year", RangeConfig{From: 2009}, 2009, 2025},
		{"explicit range", RangeConfig{From: 2018, To: 2020}, 2018, 2020},
		{"reversed range", RangeConfig{From: 2022, To: 2019}, 2019, 2022},
		{"from after current year", RangeConfig{From: 2030}, 2025, 2030},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			from, to := tt.cfg.resolve(now)
			if from != tt.wantFrom || to != tt.wantTo {
				t.Errorf("resolve() = %d-%d, want %d-%d", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

func TestValidateRange(t *testing.T) {
	t.Parallel()

	if err := validateRange(2009, 2025); err != nil {
		t.Errorf("validateRange(2009, 2025) error = %v", err)
	}
	if err := validateRange(0, 2025); err == nil {
		t.Error("validateRange(0, 2025) expected error")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"fetch", "report", "serve", "mcp", "login"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil {
			t.Errorf("Find(%q) error = %v", name, err)
			continue
		}
		if cmd.Name() != name {
			t.Errorf("Find(%q) = %q", name, cmd.Name())
		}
	}
}

func activity(activityType string, distance float64, elapsed int64, elevation float64) strava.Activity {
	return strava.Activity{
		Type:               activityType,
		Distance:           distance,
		ElapsedTime:        elapsed,
		TotalElevationGain: elevation,
	}
}

// writeTestSnapshot stores a complete 2022 and a partial 2023
func writeTestSnapshot(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")
	st, err := store.Open(ctx, path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	fetches := []strava.YearFetch{
		{
			Year: 2022,
			Activities: []strava.Activity{
				activity("Run", 6000, 2400, 60.5),
				activity("Ride", 30000, 5400, 300),
				activity("Run", 4000, 1200, 40),
			},
			Pages: 1,
		},
		{
			Year:       2023,
			Activities: []strava.Activity{activity("Run", 5500, 1800, 20.9)},
			Pages:      2,
			Err:        errors.New("page 2: unexpected status code: 500"),
		},
	}
	for _, f := range fetches {
		if err := st.SaveYear(ctx, f); err != nil {
			t.Fatalf("SaveYear(%d) error = %v", f.Year, err)
		}
	}
	return path
}

func TestRunReportCSVFromStore(t *testing.T) {
	t.Parallel()

	cfg := &ReportConfig{
		DBPath:       writeTestSnapshot(t),
		ActivityType: "Run",
		Compare:      "Ride",
		CSV:          true,
		Range:        RangeConfig{From: 2022, To: 2023},
	}

	var out, errOut bytes.Buffer
	if err := runReport(context.Background(), cfg, &out, &errOut); err != nil {
		t.Fatalf("runReport() error = %v", err)
	}

	want := "2022,10000,3600,100.5\n2023,5500,1800,20.9\n" +
		"\n" +
		"2022,30000,5400,300\n2023,0,0,0\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if !strings.Contains(errOut.String(), "[2023]") {
		t.Errorf("expected incomplete year warning, got %q", errOut.String())
	}
}

func TestRunReportTableFromStore(t *testing.T) {
	t.Parallel()

	cfg := &ReportConfig{
		DBPath:       writeTestSnapshot(t),
		ActivityType: "Run",
		Range:        RangeConfig{From: 2022, To: 2023},
	}

	var out, errOut bytes.Buffer
	if err := runReport(context.Background(), cfg, &out, &errOut); err != nil {
		t.Fatalf("runReport() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out.String())
	}
	if lines[0] != "Run" {
		t.Errorf("title = %q, want Run", lines[0])
	}

	checks := []struct {
		line int
		want []string
	}{
		{1, []string{"Year", "Activities", "Distance", "Elapsed", "Elevation"}},
		{2, []string{"2022", "2", "10 km", "01:00:00", "100 m"}},
		{3, []string{"2023", "1", "6 km", "00:30:00", "20 m"}},
	}
	for _, c := range checks {
		fields := strings.Join(strings.Fields(lines[c.line]), " ")
		if fields != strings.Join(c.want, " ") {
			t.Errorf("line %d = %q, want %q", c.line, fields, strings.Join(c.want, " "))
		}
	}
}

func TestRunReportRequiresSource(t *testing.T) {
	t.Parallel()

	cfg := &ReportConfig{ActivityType: "Run", Range: RangeConfig{From: 2022, To: 2023}}
	var out, errOut bytes.Buffer
	if err := runReport(context.Background(), cfg, &out, &errOut); err == nil {
		t.Error("expected error without --db or token")
	}
}

func TestRunFetchRequiresToken(t *testing.T) {
	t.Parallel()

	cfg := &FetchConfig{DBPath: filepath.Join(t.TempDir(), "x.db"), Range: RangeConfig{From: 2022}}
	var out bytes.Buffer
	if err := runFetch(context.Background(), cfg, &out); !errors.Is(err, errNoToken) {
		t.Errorf("runFetch() error = %v, want errNoToken", err)
	}
}

func TestRunMCPRequiresSource(t *testing.T) {
	t.Parallel()

	cfg := &MCPConfig{ActivityType: "Run", Range: RangeConfig{From: 2022}}
	if err := runMCP(context.Background(), cfg); err == nil {
		t.Error("expected error without --db or token")
	}
}

func TestRunLoginRequiresCredentials(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if err := runLogin(context.Background(), &LoginConfig{ClientID: "123"}, &out, &errOut); err == nil {
		t.Error("expected error without client secret")
	}
}

func TestPrintFetchSummary(t *testing.T) {
	t.Parallel()

	result := strava.RangeResult{
		From: 2022,
		To:   2023,
		Years: map[int]strava.YearFetch{
			2022: {Year: 2022, Activities: []strava.Activity{activity("Run", 1, 1, 1)}, Pages: 1},
			2023: {Year: 2023, Pages: 1, Err: errors.New("boom")},
		},
	}

	var out bytes.Buffer
	printFetchSummary(&out, result)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "2023") || !strings.Contains(lines[0], "incomplete: boom") {
		t.Errorf("newest year should come first and be incomplete: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2022") || !strings.HasSuffix(lines[1], "complete") {
		t.Errorf("unexpected 2022 line: %q", lines[1])
	}
	if lines[2] != "total 1 activities, 1 incomplete years" {
		t.Errorf("unexpected total line: %q", lines[2])
	}
}

func TestPrintToken(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(6 * time.Hour).Unix()
	token := &auth.Token{AccessToken: "abc123", ExpiresAt: expires, TokenType: "Bearer"}

	var out bytes.Buffer
	if err := printToken(&out, token, false); err != nil {
		t.Fatalf("printToken() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "export STRAVA_ACCESS_TOKEN=abc123\n") {
		t.Errorf("unexpected output: %q", out.String())
	}
	if strings.Contains(out.String(), "warning") {
		t.Errorf("token with hours left should not warn: %q", out.String())
	}

	out.Reset()
	if err := printToken(&out, token, true); err != nil {
		t.Fatalf("printToken(json) error = %v", err)
	}
	if !strings.Contains(out.String(), `"access_token":"abc123"`) {
		t.Errorf("unexpected JSON output: %q", out.String())
	}
}
