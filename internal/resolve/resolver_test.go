package resolve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type fakeDoer struct {
	handle func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) { return f.handle(req) }

func jsonResponse(v any) *http.Response {
	b, _ := json.Marshal(v)
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(string(b)))}
}

func TestResolveWebsocketBase_SharedDefaultRegion(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "regions") {
			return jsonResponse([]string{"london"}), nil
		}
		t.Fatalf("unexpected request to %s", req.URL)
		return nil, nil
	}}
	r := New("token", Options{Domain: "example.com", UseSharedClientAPI: true}, doer, nil)
	u, err := r.ResolveWebsocketBase(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "https://mt-client-api-v1.example.com" {
		t.Fatalf("unexpected url: %s", u)
	}
}

func TestResolveWebsocketBase_SharedNonDefaultRegion(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return jsonResponse([]string{"london", "newyork"}), nil
	}}
	r := New("token", Options{Domain: "example.com", Region: "newyork", UseSharedClientAPI: true}, doer, nil)
	u, err := r.ResolveWebsocketBase(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "https://mt-client-api-v1.newyork.example.com" {
		t.Fatalf("unexpected url: %s", u)
	}
}

func TestResolveWebsocketBase_DedicatedDefaultRegion(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "regions") {
			return jsonResponse([]string{"london"}), nil
		}
		return jsonResponse(serverResponse{URL: "https://mt-client-api-v1-london.example.com"}), nil
	}}
	r := New("token", Options{Domain: "example.com"}, doer, nil)
	u, err := r.ResolveWebsocketBase(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "https://mt-client-api-v1-london.example.com" {
		t.Fatalf("unexpected url: %s", u)
	}
}

func TestResolveWebsocketBase_RegionNotFound(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return jsonResponse([]string{"london"}), nil
	}}
	r := New("token", Options{Domain: "example.com", Region: "tokyo"}, doer, nil)
	_, err := r.ResolveWebsocketBase(context.Background())
	if err == nil {
		t.Fatal("expected NotFoundError for unknown region")
	}
}

func TestResolveWebsocketBase_DedicatedNoticeLogsOnce(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "regions") {
			return jsonResponse([]string{"london"}), nil
		}
		return jsonResponse(serverResponse{URL: "https://x.example.com"}), nil
	}}
	var logCount int
	r := New("token", Options{Domain: "example.com"}, doer, func(string, ...any) { logCount++ })
	r.ResolveWebsocketBase(context.Background())
	r.ResolveWebsocketBase(context.Background())
	if logCount != 1 {
		t.Fatalf("want dedicated-server notice logged exactly once, got %d", logCount)
	}
}
