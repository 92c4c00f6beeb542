package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"Warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"bogus":   zerolog.PanicLevel,
		"":        zerolog.PanicLevel,
	}
	for raw, want := range tests {
		if got := parseLevel(raw, zerolog.PanicLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
	if l.With(String("k", "v")).IsZero() {
		t.Fatal("a logger with fields is not the zero value")
	}
}

func TestLoggerFieldsAndCaller(t *testing.T) {
	t.Parallel()
	setGlobals()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{static: &zl}.With(String("comp", "session"), String("k", "first"))

	l.Warn("reload failed", String("k", "second"), Err(errors.New("boom")), Err(nil), Int("n", 3))

	var ev map[string]any
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if ev["comp"] != "session" || ev["k"] != "second" || ev["n"] != float64(3) {
		t.Fatalf("fields = %v", ev)
	}
	if ev["err"] != "boom" {
		t.Fatalf("error field = %v", ev)
	}
	if c, _ := ev[zerolog.CallerFieldName].(string); !strings.HasPrefix(c, "logger_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	base := Nop().With(String("a", "1"))
	x := base.With(String("b", "2"))
	y := base.With(String("c", "3"))
	if len(base.fields) != 1 || len(x.fields) != 2 || len(y.fields) != 2 {
		t.Fatalf("field counts = %d %d %d", len(base.fields), len(x.fields), len(y.fields))
	}
}
