package wnpchat

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Run("structured code wins over status", func(t *testing.T) {
		e := classify(&APIError{Code: "CONFLICT", Message: "name taken"}, 500)
		if e.Kind != KindConflict {
			t.Fatalf("expected conflict, got %s", e.Kind)
		}
		if e.Code != "CONFLICT" || e.Message != "name taken" {
			t.Fatalf("lost structured fields: %+v", e)
		}
	})

	t.Run("unknown code falls back to status", func(t *testing.T) {
		e := classify(&APIError{Code: "SOMETHING_NEW", Message: "?"}, 404)
		if e.Kind != KindNotFound {
			t.Fatalf("expected not-found, got %s", e.Kind)
		}
	})

	t.Run("unstructured body maps from status", func(t *testing.T) {
		cases := map[int]ErrorKind{
			400: KindBadRequest,
			401: KindUnauthorized,
			403: KindForbidden,
			404: KindNotFound,
			409: KindConflict,
			422: KindValidation,
			429: KindRateLimit,
			500: KindInternal,
			502: KindInternal,
		}
		for status, want := range cases {
			if got := classify(nil, status).Kind; got != want {
				t.Errorf("status %d: expected %s, got %s", status, want, got)
			}
		}
	})
}

func TestInlineBroadcast(t *testing.T) {
	inline := []ErrorKind{KindValidation, KindNotFound, KindUnauthorized, KindForbidden, KindConflict, KindBadRequest}
	for _, k := range inline {
		if !(&Error{Kind: k}).Inline() {
			t.Errorf("%s should be inline", k)
		}
	}
	broadcast := []ErrorKind{KindNetwork, KindDatabase, KindInternal, KindRateLimit, KindSocket, KindFileUpload}
	for _, k := range broadcast {
		if !(&Error{Kind: k}).Broadcast() {
			t.Errorf("%s should broadcast", k)
		}
	}
}

func TestIsAuthError(t *testing.T) {
	t.Run("classified kinds", func(t *testing.T) {
		if !IsAuthError(newError(KindUnauthorized, "nope")) {
			t.Error("unauthorized kind should be auth-class")
		}
		if !IsAuthError(newError(KindForbidden, "nope")) {
			t.Error("forbidden kind should be auth-class")
		}
	})

	t.Run("message markers", func(t *testing.T) {
		for _, msg := range []string{"Authentication required", "Unauthorized access", "invalid token supplied"} {
			if !IsAuthError(errors.New(msg)) {
				t.Errorf("%q should be auth-class", msg)
			}
		}
	})

	t.Run("plain errors are not auth-class", func(t *testing.T) {
		if IsAuthError(errors.New("connection reset by peer")) {
			t.Error("transport error misclassified as auth")
		}
		if IsAuthError(nil) {
			t.Error("nil is not an error")
		}
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		inner := newError(KindUnauthorized, "expired")
		if !IsAuthError(fmt.Errorf("connect: %w", inner)) {
			t.Error("wrapping should not hide the kind")
		}
	})
}

func TestIsRetryableUpload(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"network timeout during transfer", true},
		{"storage rejected transfer (503)", true},
		{"file flagged as suspicious by scanner", false},
		{"File type not allowed for this workspace", false},
		{"SUSPICIOUS content detected", false},
		{"", true},
	}
	for _, c := range cases {
		if got := IsRetryableUpload(c.text); got != c.want {
			t.Errorf("IsRetryableUpload(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
