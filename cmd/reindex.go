package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kfsoftware/bims-ledger/pkg/hub"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type reindexOptions struct {
	from      int64
	batchSize uint64
}

func NewReindexCmd() *cobra.Command {
	c := &reindexOptions{}
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Copy the chain into the configured search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)
			if c.batchSize > 0 {
				cfg.Mirror.BatchSize = c.batchSize
			}
			store, _, storeCloser, err := openChainStore(cfg.Database)
			if err != nil {
				return err
			}
			defer storeCloser.Close()
			mirror, closer, err := newMirror(cfg.Mirror, hub.New(), store)
			if err != nil {
				return err
			}
			if mirror == nil {
				return errors.New("mirror.type is not set")
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			from := uint64(c.from)
			if c.from < 0 {
				from, err = mirror.Next()
				if err != nil {
					return err
				}
			}
			log.Infof("Reindexing from block %d", from)
			next, err := mirror.Reindex(ctx, from, nil)
			if err != nil {
				return err
			}
			log.Infof("Search index up to date, next block %d", next)
			return nil
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.Int64VarP(&c.from, "from", "", -1, "Block to start from, defaults to the checkpoint")
	persistentFlags.Uint64VarP(&c.batchSize, "batch-index", "", 0, "Number of blocks per batch")
	return cmd
}
