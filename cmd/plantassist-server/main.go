// Command plantassist-server serves the assistant over HTTP and bridges
// browser audio to voice sessions over a websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/plantassist/pkg/app"
	"github.com/vango-go/plantassist/pkg/config"
	"github.com/vango-go/plantassist/pkg/server"
)

type serverDeps struct {
	loadConfig   func(path string) (config.Config, error)
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.Load,
		listen:     net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServer(ctx context.Context, configPath string, logOut io.Writer, deps serverDeps) error {
	if deps.loadConfig == nil || deps.listen == nil {
		return errors.New("missing config or listen dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Log.NewLogger(logOut)

	mics := server.NewMicrophones()
	a, err := app.New(ctx, cfg, logger, app.Deps{Microphone: mics.For})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a, mics, logger)
	httpSrv := buildHTTPServer(cfg.Server, srv.Handler())

	ln, err := deps.listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("starting server", "addr", ln.Addr().String(), "storage", cfg.Storage.Driver, "lang", cfg.Lang())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Serve failed or the caller canceled; still shut down cleanly.
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return shutdown(srv, httpSrv, cfg.Server, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// shutdown drains live sockets, then stops accepting HTTP and waits for both
// within the grace period.
func shutdown(srv *server.Server, httpSrv *http.Server, cfg config.ServerConfig, logger *slog.Logger) error {
	srv.SetDraining()
	if n := srv.WarnLiveDraining(); n > 0 {
		logger.Info("warned live clients", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitLive(waitCtx) {
		logger.Warn("live clients still open after grace period, closing", "count", srv.CancelLive())
	}
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	flags := flag.NewFlagSet("plantassist-server", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "config file (.yaml or .json); defaults to PLANTASSIST_CONFIG")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "plantassist-server: %v\n", err)
		return 1
	}

	if err := runServer(ctx, *configPath, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "plantassist-server: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServerDeps()))
}
