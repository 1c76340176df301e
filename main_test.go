package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestServe_ListenFailureIsReturned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	server := &http.Server{Addr: ln.Addr().String(), Handler: http.NewServeMux()}
	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), server) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error when the address is already in use")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the listener failed")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestRun_ConfigErrorIsReturned(t *testing.T) {
	if err := run("127.0.0.1:0", filepath.Join(t.TempDir(), "missing.yaml"), 0); err == nil {
		t.Fatal("expected an error for a missing configuration file")
	}
}
