package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/hub"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/listener"
	"github.com/kfsoftware/bims-ledger/pkg/metrics"
	"github.com/kfsoftware/bims-ledger/pkg/server"
	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/kfsoftware/bims-ledger/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	address string
}

func NewServeCmd() *cobra.Command {
	c := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger API and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if c.address != "" {
				cfg.Server.Address = c.address
			}
			setLogLevel(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.address, "address", "", "", "Address to listen on, overrides server.address")
	return cmd
}

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, using debug", level)
		lvl = log.DebugLevel
	}
	log.SetLevel(lvl)
}

func serve(ctx context.Context, cfg *Config) error {
	store, db, storeCloser, err := openChainStore(cfg.Database)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	if db == nil {
		if cfg.Session.DataSource == "" {
			return errors.New("session.dataSource is required when the chain is not kept in sql")
		}
		db, err = storage.OpenDatabase(storage.DriverName(cfg.Session.Driver), cfg.Session.DataSource)
		if err != nil {
			return errors.Wrap(err, "opening session database")
		}
		defer closeDatabase(db).Close()
	}
	if cfg.Session.Secret == "" {
		return errors.New("session.secret is required")
	}
	gate := session.NewSQLGate(db, cfg.Session.Table, cfg.Session.CookieName, cfg.Session.Secret)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	h := hub.New(hub.WithBufferSize(cfg.Hub.BufferSize))
	writer := ledger.NewWriter(store, h, ledger.WithMaxRetries(cfg.Ledger.MaxRetries))
	validator := ledger.NewValidator(store, ledger.WithPageSize(cfg.Ledger.PageSize))

	tail, err := store.Tail(ctx)
	if err != nil {
		return errors.Wrap(err, "reading chain tail")
	}
	if tail != nil {
		metrics.TailIndex.Set(float64(tail.Index))
		log.Infof("Chain tail at block %d", tail.Index)
	} else {
		log.Infof("Chain is empty, next block is genesis")
	}

	srv := server.New(
		server.Config{
			CORSOrigins:  cfg.Server.CORSOrigins,
			Heartbeat:    cfg.Server.Heartbeat,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		},
		writer,
		validator,
		store,
		h,
		gate,
		metrics.Handler(reg),
	)
	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: srv.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	mirror, mirrorCloser, err := newMirror(cfg.Mirror, h, store)
	if err != nil {
		return err
	}
	if mirror != nil {
		defer mirrorCloser.Close()
		g.Go(func() error {
			return mirror.Run(ctx)
		})
	}
	g.Go(func() error {
		log.Infof("Listening on %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infof("Shutting down")
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newMirror builds the search mirror, or returns nil when none is
// configured.
func newMirror(cfg MirrorConfig, h *hub.Hub, store ledger.ChainStore) (*listener.Mirror, io.Closer, error) {
	sink, err := openMirror(cfg)
	if err != nil {
		return nil, nil, err
	}
	if sink == nil {
		return nil, nil, nil
	}
	checkpoint, closer, err := openCheckpoint(cfg)
	if err != nil {
		return nil, nil, err
	}
	return listener.NewMirror(h, store, sink, checkpoint, cfg.BatchSize), closer, nil
}
