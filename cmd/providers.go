package cmd

import (
	"io"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/listener"
	"github.com/kfsoftware/bims-ledger/pkg/storage"
	"github.com/meilisearch/meilisearch-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// closeDatabase releases the connection pool behind db.
func closeDatabase(db *gorm.DB) io.Closer {
	return closerFunc(func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
}

// openChainStore returns the configured chain store. db is only set for
// the sql provider.
func openChainStore(cfg DatabaseConfig) (ledger.ChainStore, *gorm.DB, io.Closer, error) {
	switch Provider(cfg.Type) {
	case Database:
		var drName storage.DriverName
		switch storage.DriverName(cfg.Driver) {
		case storage.PostgresqlDriver, storage.MySQLDriver, storage.SQLiteDriver:
			drName = storage.DriverName(cfg.Driver)
		default:
			return nil, nil, nil, errors.Errorf("Driver %s not supported", cfg.Driver)
		}
		db, err := storage.OpenDatabase(drName, cfg.DataSource)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := storage.NewDatabaseStorage(db, cfg.Table)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, db, closeDatabase(db), nil
	case Badger:
		db, err := storage.OpenBadger(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return storage.NewBadgerStorage(db), nil, db, nil
	default:
		return nil, nil, nil, errors.Errorf("No valid provider: %s", cfg.Type)
	}
}

// openMirror returns the configured search sink, or nil when mirroring is
// disabled.
func openMirror(cfg MirrorConfig) (listener.BlockStorage, error) {
	switch Provider(cfg.Type) {
	case "":
		return nil, nil
	case MeiliSearch:
		meiliClient := meilisearch.NewClient(meilisearch.Config{
			Host:   cfg.URL,
			APIKey: cfg.APIKey,
		})
		_, err := meiliClient.Indexes().List()
		if err != nil {
			return nil, err
		}
		return listener.NewMeilisearchStorage(meiliClient, cfg.Index)
	case ElasticSearch:
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.URLs,
			Username:  cfg.User,
			Password:  cfg.Password,
		})
		if err != nil {
			log.Errorf("Error creating the client: %s", err)
			return nil, err
		}
		return listener.NewElasticStorage(esClient, cfg.Index), nil
	default:
		return nil, errors.Errorf("No valid mirror provider: %s", cfg.Type)
	}
}

// openCheckpoint opens the badger database holding the mirror checkpoint.
func openCheckpoint(cfg MirrorConfig) (storage.Checkpoint, io.Closer, error) {
	db, err := storage.OpenBadger(cfg.CheckpointPath)
	if err != nil {
		return storage.Checkpoint{}, nil, err
	}
	return storage.NewCheckpoint(db, cfg.Type+"/"+cfg.Index), db, nil
}
