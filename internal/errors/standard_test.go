package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestHasCode_WalksNestedErrors(t *testing.T) {
	inner := ContextMismatch(3, "connection 4 of 2")
	outer := fmt.Errorf("worker 0: %w", CompileFailed(3, "SendGetAddr", inner))

	if !HasCode(outer, CodeCompileFailed) || !HasCode(outer, CodeContextMismatch) {
		t.Fatal("codes in the chain not found")
	}

	if HasCode(outer, CodeMalformedInput) || HasCode(io.EOF, CodeContextMismatch) || HasCode(nil, CodeCompileFailed) {
		t.Fatal("unexpected code match")
	}

	if cat, ok := CategoryOf(outer); !ok || cat != CategoryCodec {
		t.Fatalf("unexpected category %q", cat)
	}
}

func TestStandardError_Format(t *testing.T) {
	e := MalformedInput("program", io.ErrUnexpectedEOF)

	if got := e.Error(); got != "[DECODE:MALFORMED_INPUT] Malformed program: unexpected EOF" {
		t.Fatalf("unexpected message %q", got)
	}

	if e.Context["what"] != "program" || !strings.Contains(e.Caller, "MalformedInput") {
		t.Fatalf("unexpected context %v or caller %q", e.Context, e.Caller)
	}
}
