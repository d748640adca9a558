package apierrors

import (
	"strings"
	"testing"
)

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected ErrorType
	}{
		{401, ErrorTypeAuth},
		{403, ErrorTypeURLExpired},
		{404, ErrorTypeNotFound},
		{429, ErrorTypeRateLimit},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
		{418, ErrorTypeUnknown},
	}

	for _, test := range tests {
		err := FromStatusCode(test.code, "boom")
		if err.Type != test.expected {
			t.Errorf("Code %d: expected %s, got %s", test.code, test.expected, err.Type)
		}
		if err.Code != test.code {
			t.Errorf("Code %d: expected code preserved, got %d", test.code, err.Code)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError}
	for _, et := range retryable {
		if !IsRetryable(et) {
			t.Errorf("Expected %s to be retryable", et)
		}
	}

	permanent := []ErrorType{ErrorTypeAuth, ErrorTypeURLExpired, ErrorTypeParsing, ErrorTypeNotFound, ErrorTypeUnknown}
	for _, et := range permanent {
		if IsRetryable(et) {
			t.Errorf("Expected %s not to be retryable", et)
		}
	}
}

func TestIsRetryableStatusCode(t *testing.T) {
	for _, code := range []int{0, 429, 500, 502, 503} {
		if !IsRetryableStatusCode(code) {
			t.Errorf("Expected %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsRetryableStatusCode(code) {
			t.Errorf("Expected %d not to be retryable", code)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	if got := Truncate(long, 500); len(got) != 500 {
		t.Errorf("Expected 500 chars, got %d", len(got))
	}
	if got := Truncate("short", 500); got != "short" {
		t.Errorf("Expected short message untouched, got %q", got)
	}
	if got := Truncate(long, 0); got != long {
		t.Errorf("Expected zero cap to disable truncation")
	}
}

func TestErrorString(t *testing.T) {
	err := New(ErrorTypeRateLimit, 429, "retry after %ds", 30)
	want := "rate_limit error (code 429): retry after 30s"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
