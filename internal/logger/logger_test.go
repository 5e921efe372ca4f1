package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("layout planned", "slots", 3)

	out := buf.String()
	if !strings.Contains(out, "layout planned") {
		t.Fatalf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, `"slots":3`) {
		t.Fatalf("expected slots=3 in JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", out)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn message, got: %s", buf.String())
	}
}

func TestOpenFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format Format
		want   string
	}{
		{FormatJSON, `"msg":"hello"`},
		{FormatText, "msg=hello"},
		{FormatPretty, "k=v"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		Open(&buf, tc.format, slog.LevelInfo).Info("hello", "k", "v")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("format %s: expected %q in %q", tc.format, tc.want, buf.String())
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	log.With("a", 1).WithGroup("g").Info("still nothing")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q): err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Format{"": FormatPretty, "JSON": FormatJSON, "text": FormatText} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func newPlain(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewPrettyHandler(buf, &PrettyOptions{Level: level, NoColor: true}))
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	newPlain(&buf, slog.LevelInfo).Info("state dict loaded",
		"pool_bytes", uint64(3*1024*1024),
		"elapsed", 1500*time.Millisecond,
		"model", "mamba-130m",
	)

	out := buf.String()
	for _, want := range []string{"INFO  state dict loaded", "pool_bytes=3.0MiB", "elapsed=1.5s", "model=mamba-130m"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("NoColor output contains escape codes: %q", out)
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).Warn("careful")
	if !strings.Contains(buf.String(), ansiYellow) {
		t.Fatalf("expected yellow warn level, got %q", buf.String())
	}
}

func TestPrettyLevelFiltering(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &PrettyOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
	if !NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info disabled by default")
	}
}

func TestPrettyGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := newPlain(&buf, slog.LevelDebug).With("load", "abc").WithGroup("slot").WithGroup("shard")
	log.Debug("queued", "key", "layers.0.mixer.D", slog.Group("dims", "rows", 4))

	out := buf.String()
	for _, want := range []string{"load=abc", "slot.shard.key=layers.0.mixer.D", "slot.shard.dims.rows=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	newPlain(&buf, slog.LevelInfo).Info("x", "err", `shape mismatch: "mixer.D"`, "plain", "simple")

	out := buf.String()
	if !strings.Contains(out, `err="shape mismatch: \"mixer.D\""`) {
		t.Errorf("expected quoted error, got %q", out)
	}
	if !strings.Contains(out, "plain=simple") {
		t.Errorf("expected bare simple string, got %q", out)
	}
}

func TestAppendSize(t *testing.T) {
	t.Parallel()
	tests := map[uint64]string{
		0:       "0B",
		1023:    "1023B",
		1024:    "1.0KiB",
		1536:    "1.5KiB",
		5 << 30: "5.0GiB",
	}
	for in, want := range tests {
		if got := string(appendSize(nil, in)); got != want {
			t.Errorf("appendSize(%d) = %q, want %q", in, got, want)
		}
	}
}
