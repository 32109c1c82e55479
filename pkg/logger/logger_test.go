package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithSessionID(ctx, "sess-123")
	ctx = log.WithParticipantID(ctx, "part-9")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte(`"session_id":"sess-123"`)) {
		t.Fatalf("expected session_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"participant_id":"part-9"`)) {
		t.Fatalf("expected participant_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack when warn stack enabled")
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("did not expect stack when warn stack disabled")
	}
}

func TestDebugRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: zerolog.InfoLevel, Output: buf})
	log.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry should be filtered at info level: %s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel("WARN"); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestErrorAddsClassificationFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	err := pkgerrors.New(pkgerrors.CodeConflict, "already joined").WithKind(pkgerrors.KindDuplicateJoin)
	log.Error(context.Background(), "join failed", err)

	if !bytes.Contains(buf.Bytes(), []byte(`"error_code":"CONFLICT"`)) {
		t.Fatalf("expected error_code; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"error_kind":"duplicate_join"`)) {
		t.Fatalf("expected error_kind; entry=%s", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"alert"`)) {
		t.Fatalf("conflicts should not alert; entry=%s", buf.String())
	}
}

func TestErrorMarksRollbackFailuresForAlerting(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	log.Error(context.Background(), "rollback failed", &pkgerrors.RollbackFailure{
		PaymentErr:  errors.New("gateway down"),
		RollbackErr: errors.New("db down"),
	})

	if !bytes.Contains(buf.Bytes(), []byte(`"error_code":"FATAL_ROLLBACK_FAILURE"`)) {
		t.Fatalf("expected rollback code; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"alert":true`)) {
		t.Fatalf("expected alert flag; entry=%s", buf.String())
	}
}

func TestConsoleFormatIsNotJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Format: FormatConsole, Output: buf})
	log.Info(context.Background(), "hello")

	if bytes.HasPrefix(bytes.TrimSpace(buf.Bytes()), []byte("{")) {
		t.Fatalf("console output should not be JSON: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Fatalf("message missing: %s", buf.String())
	}
}
