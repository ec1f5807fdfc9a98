package hub

import (
	"net/http"
	"testing"
)

func TestOriginCheckerAllowsEverythingWhenUnconfigured(t *testing.T) {
	check := originChecker(nil)
	req := &http.Request{Header: http.Header{"Origin": []string{"https://evil.example"}}}
	if !check(req) {
		t.Fatal("expected an empty allow-list to accept any origin")
	}
}

func TestOriginCheckerAllowsRequestsWithNoOriginHeader(t *testing.T) {
	check := originChecker([]string{"https://admin.example"})
	req := &http.Request{Header: http.Header{}}
	if !check(req) {
		t.Fatal("expected a missing Origin header (non-browser client) to be accepted")
	}
}

func TestOriginCheckerMatchesCaseInsensitively(t *testing.T) {
	check := originChecker([]string{"https://Admin.Example"})
	req := &http.Request{Header: http.Header{"Origin": []string{"https://admin.example"}}}
	if !check(req) {
		t.Fatal("expected a case-insensitive match against the allow-list")
	}
	req2 := &http.Request{Header: http.Header{"Origin": []string{"https://other.example"}}}
	if check(req2) {
		t.Fatal("expected an origin outside the allow-list to be rejected")
	}
}
