package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestWrappedLedgerRejectionKeepsCause(t *testing.T) {
	cause := New(CodeInvalidState, "transfer already claimed")
	err := Wrap(CodeLedgerRejected, cause, "")

	if CodeOf(err) != CodeLedgerRejected {
		t.Fatalf("unexpected outer code %s", CodeOf(err))
	}
	if RootCode(err) != CodeInvalidState {
		t.Fatalf("unexpected root code %s", RootCode(err))
	}
	if !IsCode(err, CodeInvalidState) || !IsCode(err, CodeLedgerRejected) {
		t.Fatalf("expected both codes in chain: %v", err)
	}
	if IsCode(err, CodeUnauthorized) {
		t.Fatalf("unexpected code match")
	}
	if err.Message() != "ledger rejected transaction" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}

func TestRetryAfterMetadata(t *testing.T) {
	err := fmt.Errorf("faucet: %w", New(CodeRateLimited, "", WithRetryAfter(540*time.Second)))

	wait, ok := RetryAfterOf(err)
	if !ok {
		t.Fatal("expected retry-after hint")
	}
	if wait != 540*time.Second {
		t.Fatalf("unexpected wait %s", wait)
	}
	if _, ok := RetryAfterOf(stdErrors.New("plain")); ok {
		t.Fatal("plain errors carry no hint")
	}
}

func TestAttributesAndOverrides(t *testing.T) {
	timeout := New(CodeConfirmationTimeout, "")
	if !timeout.Retryable() {
		t.Fatal("confirmation timeout must be retryable")
	}
	conflict := New(CodeReconciliationConflict, "fee differs")
	if !ShouldAlert(conflict) || SeverityOf(conflict) != SeverityCritical {
		t.Fatalf("conflicts must alert at critical severity")
	}
	quiet := New(CodeReconciliationConflict, "", WithAlert(false), WithSeverity(SeverityWarning))
	if quiet.ShouldAlert() || quiet.Severity() != SeverityWarning {
		t.Fatalf("overrides not applied: %+v", quiet)
	}
	if AttributesOf("NOPE").Message != "unknown error" {
		t.Fatal("unregistered codes fall back to UNKNOWN")
	}
}
