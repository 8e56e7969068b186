package storage

import (
	"context"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type DriverName string

const (
	PostgresqlDriver DriverName = "postgres"
	MySQLDriver      DriverName = "mysql"
	SQLiteDriver     DriverName = "sqlite"

	DefaultTable = "blockchain"
)

// Record is the persisted layout of a block. index is the primary key, so
// the database rejects a second block for the same index.
type Record struct {
	Index        uint64         `gorm:"column:index;primaryKey;autoIncrement:false"`
	Timestamp    time.Time      `gorm:"column:timestamp;not null"`
	Transaction  datatypes.JSON `gorm:"column:transaction;not null"`
	PreviousHash string         `gorm:"column:previous_hash;not null"`
	Hash         string         `gorm:"column:hash;not null"`
}

func recordFromBlock(b *ledger.Block) Record {
	return Record{
		Index:        b.Index,
		Timestamp:    b.Timestamp.UTC(),
		Transaction:  datatypes.JSON(b.Transaction),
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
	}
}

func (r Record) block() ledger.Block {
	return ledger.Block{
		Index:        r.Index,
		Timestamp:    r.Timestamp.UTC(),
		Transaction:  []byte(r.Transaction),
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
	}
}

var indexColumn = clause.Column{Name: "index"}

// DatabaseStorage is a ledger.ChainStore on top of gorm.
type DatabaseStorage struct {
	tableName string
	db        *gorm.DB
}

// OpenDatabase connects with one of the supported drivers, logging
// through logrus.
func OpenDatabase(driverName DriverName, dataSourceName string) (*gorm.DB, error) {
	newLogger := logger.New(
		log.New(),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)
	gormConfig := &gorm.Config{
		Logger: newLogger,
	}
	switch driverName {
	case PostgresqlDriver:
		return gorm.Open(
			postgres.New(
				postgres.Config{
					DSN:                  dataSourceName,
					PreferSimpleProtocol: true,
				},
			),
			gormConfig,
		)
	case MySQLDriver:
		return gorm.Open(mysql.Open(dataSourceName), gormConfig)
	case SQLiteDriver:
		return gorm.Open(sqlite.Open(dataSourceName), gormConfig)
	default:
		return nil, errors.Errorf("Driver %s not supported", string(driverName))
	}
}

// NewDatabaseStorage uses tableName (default "blockchain") for blocks and
// creates it when missing.
func NewDatabaseStorage(db *gorm.DB, tableName string) (DatabaseStorage, error) {
	if tableName == "" {
		tableName = DefaultTable
	}
	storage := DatabaseStorage{
		db:        db,
		tableName: tableName,
	}
	err := db.Table(tableName).AutoMigrate(&Record{})
	if err != nil {
		return storage, err
	}
	return storage, nil
}

func (m DatabaseStorage) table(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx).Table(m.tableName)
}

func (m DatabaseStorage) Tail(ctx context.Context) (*ledger.Block, error) {
	var records []Record
	err := m.table(ctx).
		Order(clause.OrderByColumn{Column: indexColumn, Desc: true}).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	b := records[0].block()
	return &b, nil
}

func (m DatabaseStorage) AppendIfIndexFree(ctx context.Context, b *ledger.Block) error {
	record := recordFromBlock(b)
	res := m.table(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrIndexConflict
	}
	return nil
}

func (m DatabaseStorage) ReadRange(ctx context.Context, from, to uint64) ([]ledger.Block, error) {
	var records []Record
	err := m.table(ctx).
		Where(clause.Gte{Column: indexColumn, Value: from}).
		Where(clause.Lte{Column: indexColumn, Value: to}).
		Order(clause.OrderByColumn{Column: indexColumn}).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	blocks := make([]ledger.Block, len(records))
	for i, r := range records {
		blocks[i] = r.block()
	}
	return blocks, nil
}
