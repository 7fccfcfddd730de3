package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-settlement-backend/internal/config"
	httpapi "github.com/tbourn/go-settlement-backend/internal/http"
	"github.com/tbourn/go-settlement-backend/internal/observability"
	"github.com/tbourn/go-settlement-backend/internal/services"
	"github.com/tbourn/go-settlement-backend/internal/settlement"
	"github.com/tbourn/go-settlement-backend/internal/worker"
)

func serveCmd(conf func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatch consumers and retry promoter",
		Long: `Run the settlement service until SIGINT or SIGTERM.

On shutdown the HTTP server drains for SHUTDOWN_TIMEOUT, consumers finish
the message they hold, and the queue and record store are closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, conf())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version())
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTel(fctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	partner := settlement.NewSimulatedPartner(cfg.Partner.Latency, cfg.Partner.FailureRatio, cfg.Partner.RPS, cfg.Partner.Burst)
	processor := &worker.Processor{
		Store:           store,
		Gateway:         partner,
		ClaimStaleAfter: cfg.Queue.ClaimStaleAfter,
		SettleTimeout:   cfg.Partner.Timeout,
	}
	consumer := &worker.Consumer{
		Source:     q,
		Handler:    processor,
		MaxRetries: cfg.Queue.MaxRetries,
		Workers:    cfg.Queue.Workers,
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Transactions: &services.TransactionService{Store: store, Dispatcher: q},
		Accounts:     &services.AccountService{Store: store},
		Queue:        q,
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Str("version", version()).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down http server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })

	err = g.Wait()
	log.Info().Err(err).Msg("settlement service stopped")
	return err
}
