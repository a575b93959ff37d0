package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"s3console/internal/devstore"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "9000", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory to store object data and metadata")
	region := flag.String("region", devstore.DefaultRegion, "region reported for buckets and expected in signatures")
	adminAccessKey := flag.String("admin-access-key", devstore.DefaultAccessKeyID, "access key of the seeded administrator")
	adminSecretKey := flag.String("admin-secret-key", devstore.DefaultSecretAccessKey, "secret key of the seeded administrator")
	tlsListen := flag.String("tls-listen", "8443", "HTTPS listen port")
	tlsCert := flag.String("tls-cert", "", "certificate file, enables HTTPS")
	tlsKey := flag.String("tls-key", "", "private key file, enables HTTPS")
	logLevel := flag.String("log-level", "debug", "log level (debug, info, warn, error)")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := devstore.NewConfig(
		devstore.WithDataDir(absDataDir),
		devstore.WithRegion(*region),
		devstore.WithAdmin(*adminAccessKey, *adminSecretKey),
	)

	server, err := devstore.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create dev store: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              ":" + *listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              ":" + *tlsListen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return shutdown(httpsServer)
	})

	eg.Go(func() error {
		<-ctx.Done()
		return shutdown(httpServer)
	})

	eg.Go(func() error {
		if *tlsCert == "" || *tlsKey == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting dev store HTTPS server", "port", *tlsListen)
		err := httpsServer.ListenAndServeTLS(*tlsCert, *tlsKey)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting dev store HTTP server", "port", *listen, "data_dir", absDataDir, "region", cfg.Region)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Dev store started", "admin", *adminAccessKey)
	return eg.Wait()
}

// shutdown gives in-flight requests a few seconds to finish. The group
// context is already done when this runs.
func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Dev store exited with error", "error", err)
		os.Exit(1)
	}
}
