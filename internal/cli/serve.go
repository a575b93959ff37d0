package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"s3console/internal/session"
	"s3console/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serverTimeout = 15 * time.Second

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console in the browser",
		Long: `Run the web console. It keeps a single session: whoever signs in through
the browser is the operator until they sign out. Prometheus metrics are served
at /metrics.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().String("listen", ":8080", "Address to serve the console on")
	cmd.Flags().Int("page-size", web.DefaultPageSize, "Keys per bucket page")
	_ = a.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = a.v.BindPFlag("page-size", cmd.Flags().Lookup("page-size"))

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := a.openStore(cmd); err != nil {
			return err
		}
		flags := NewFlagLoader(cmd, a.v)

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		var srv *web.Server
		flash := web.NewFlash()
		invalidator := session.NewInvalidator(a.creds, func() { srv.Navigate() }, session.WithLogger(a.logger))
		defer invalidator.Stop()

		client := a.newClient(flash, invalidator, reg)
		uploader, err := a.uploader(cmd, client)
		if err != nil {
			return err
		}

		srv = web.New(client, uploader, a.creds, flash,
			web.WithShareExpiry(flags.Duration("share-expiry")),
			web.WithPageSize(flags.Int("page-size")),
			web.WithMetrics(reg, reg),
			web.WithInvalidator(invalidator),
			web.WithLogger(a.logger),
		)
		defer srv.Wait()

		return a.listen(cmd.Context(), &http.Server{
			Addr:              flags.String("listen"),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: serverTimeout,
			IdleTimeout:       serverTimeout,
		})
	}
	return cmd
}

// listen serves until ctx is cancelled and then shuts the server down.
func (a *app) listen(ctx context.Context, server *http.Server) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting web console", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
