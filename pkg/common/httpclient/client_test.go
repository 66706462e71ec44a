package httpclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &StatusError{Code: http.StatusNotFound, URL: "http://fhir/Patient"}
	})

	if calls != 1 {
		t.Fatalf("expected a single attempt for a 404, got %d", calls)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected the status error back, got %v", err)
	}
}

func TestRetryRetriesServerErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusServiceUnavailable, URL: "http://fhir/Patient"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected three attempts, got %d", calls)
	}
}

func TestIsRetriable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &StatusError{Code: http.StatusBadRequest}, false},
		{"unauthorized", &StatusError{Code: http.StatusUnauthorized}, false},
		{"not found", &StatusError{Code: http.StatusNotFound}, false},
		{"request timeout", &StatusError{Code: http.StatusRequestTimeout}, true},
		{"too many requests", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"internal error", &StatusError{Code: http.StatusInternalServerError}, true},
		{"bad gateway", &StatusError{Code: http.StatusBadGateway}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, c := range cases {
		if got := IsRetriable(c.err); got != c.want {
			t.Errorf("IsRetriable(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}
