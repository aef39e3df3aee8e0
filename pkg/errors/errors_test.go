package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		code Code
		want Class
	}{
		{CodeNotManager, ClassPermissionDenied},
		{CodeFundShutDown, ClassPermissionDenied},
		{CodeCancelNotPermitted, ClassPermissionDenied},
		{CodeDuplicateOpenOrder, ClassPreconditionViolation},
		{CodeQtyBoundViolation, ClassPreconditionViolation},
		{CodeInsufficientCustody, ClassPreconditionViolation},
		{CodeRateDeviation, ClassPreconditionViolation},
		{CodeVenueCallFailed, ClassExternalCallFailure},
		{CodeVenueZeroID, ClassExternalCallFailure},
		{CodeVenueShortFill, ClassExternalCallFailure},
		{CodeStateInconsistent, ClassStateInconsistency},
		{CodeUnsupportedOperation, ClassUnsupported},
		{CodeInternal, ClassInternal},
		{Code("SOMETHING_NEW"), ClassInternal},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.code); got != tc.want {
			t.Fatalf("ClassOf(%s) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestCodeOf_Unwraps(t *testing.T) {
	base := New(CodeVenueShortFill, "venue delivered less than promised")
	wrapped := fmt.Errorf("take order: %w", base)

	if got := CodeOf(wrapped); got != CodeVenueShortFill {
		t.Fatalf("CodeOf(wrapped) = %s", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("plain error should map to UNKNOWN, got %s", got)
	}
	if got := CodeOf(nil); got != CodeOK {
		t.Fatalf("nil error should map to OK, got %s", got)
	}
}

func TestHasClass(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrNotManager)
	if !HasClass(err, ClassPermissionDenied) {
		t.Fatal("wrapped NOT_MANAGER should be a permission failure")
	}
	if HasClass(err, ClassExternalCallFailure) {
		t.Fatal("NOT_MANAGER is not an external call failure")
	}
	if HasClass(nil, ClassInternal) {
		t.Fatal("nil error has no class")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeInvalidParam, http.StatusBadRequest},
		{CodeNotManager, http.StatusForbidden},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeDuplicateOpenOrder, http.StatusConflict},
		{CodeUnsupportedOperation, http.StatusNotImplemented},
		{CodeVenueCallFailed, http.StatusBadGateway},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeStateInconsistent, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x").HTTPStatus(); got != tc.want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeSystemBusy, "busy").Retryable {
		t.Fatal("SYSTEM_BUSY should be retryable")
	}
	if New(CodeVenueCallFailed, "down").Retryable {
		t.Fatal("venue failures need compensation, not blind retry")
	}
}

func TestErrorFormat(t *testing.T) {
	err := Newf(CodeAssetMismatch, "offer %d is %s, not %s", 42, "WETH", "USDC")
	want := "[ASSET_MISMATCH] offer 42 is WETH, not USDC"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if err.WithRequestID("req-1").RequestID != "req-1" {
		t.Fatal("WithRequestID should set the field")
	}
}
