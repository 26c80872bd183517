package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/plantassist/pkg/config"
	"github.com/vango-go/plantassist/pkg/storage"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), nil, &stderr, serverDeps{
		loadConfig: func(string) (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		listen: func(string, string) (net.Listener, error) {
			t.Fatal("listen should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatal("expected stderr output for startup error")
	}
}

func TestRunMain_BadFlag(t *testing.T) {
	t.Parallel()

	if code := runMain(context.Background(), []string{"--nope"}, io.Discard, defaultServerDeps()); code != 2 {
		t.Fatalf("exitCode=%d, want 2", code)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.ServerConfig{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}
	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.Addr || srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout || srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("server = %+v", srv)
	}
}

func TestRunServer_ServesUntilSignal(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Driver = storage.DriverMemory
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownGracePeriod = 2 * time.Second

	addrCh := make(chan string, 1)
	sigRegistered := make(chan chan<- os.Signal, 1)
	deps := serverDeps{
		loadConfig: func(string) (config.Config, error) { return cfg, nil },
		listen: func(network, addr string) (net.Listener, error) {
			ln, err := net.Listen(network, addr)
			if err == nil {
				addrCh <- ln.Addr().String()
			}
			return ln, err
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { sigRegistered <- c },
		signalStop:   func(c chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- runServer(context.Background(), "", io.Discard, deps) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("runServer exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	sigCh := <-sigRegistered

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after SIGTERM")
	}
}
