package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/mocks"
	"github.com/kfsoftware/bims-ledger/pkg/storage"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func Test_RootCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "verify", "reindex"}, names)

	b := bytes.NewBufferString("")
	root.SetOut(b)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, b.String(), "verify")
}

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.Address)
	assert.Equal(t, 15*time.Second, cfg.Server.Heartbeat)
	assert.Contains(t, cfg.Server.CORSOrigins, "https://bims-app.netlify.app")
	assert.Equal(t, string(Database), cfg.Database.Type)
	assert.Equal(t, "blockchain", cfg.Database.Table)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, uint64(500), cfg.Ledger.PageSize)
	assert.Equal(t, 64, cfg.Hub.BufferSize)
	assert.Equal(t, "bims.sid", cfg.Session.CookieName)
	assert.Equal(t, "user_sessions", cfg.Session.Table)
	assert.Empty(t, cfg.Mirror.Type)
}

func TestLoadConfigFromEnv(t *testing.T) {
	v := viper.New()
	v.SetEnvPrefix("bims")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	t.Setenv("BIMS_SERVER_HEARTBEAT", "2s")
	t.Setenv("BIMS_SERVER_CORSORIGINS", "http://a.test,http://b.test")
	t.Setenv("BIMS_DATABASE_TYPE", "badger")
	// No defaults carry a value for these.
	t.Setenv("BIMS_SESSION_SECRET", "s3cret")
	t.Setenv("BIMS_DATABASE_DATASOURCE", "postgres://bims@localhost/bims")
	t.Setenv("BIMS_MIRROR_TYPE", "meilisearch")
	t.Setenv("BIMS_MIRROR_URLS", "http://es1:9200,http://es2:9200")

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Server.Heartbeat)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, string(Badger), cfg.Database.Type)
	assert.Equal(t, "s3cret", cfg.Session.Secret)
	assert.Equal(t, "postgres://bims@localhost/bims", cfg.Database.DataSource)
	assert.Equal(t, string(MeiliSearch), cfg.Mirror.Type)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Mirror.URLs)
}

func TestOpenChainStore(t *testing.T) {
	store, db, closer, err := openChainStore(DatabaseConfig{Type: string(Badger)})
	require.NoError(t, err)
	defer closer.Close()
	assert.Nil(t, db)
	tail, err := store.Tail(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tail)

	_, _, _, err = openChainStore(DatabaseConfig{Type: "mongo"})
	assert.Error(t, err)
	_, _, _, err = openChainStore(DatabaseConfig{Type: string(Database), Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenMirrorDisabled(t *testing.T) {
	sink, err := openMirror(MirrorConfig{})
	require.NoError(t, err)
	assert.Nil(t, sink)

	_, err = openMirror(MirrorConfig{Type: "solr"})
	assert.Error(t, err)
}

func TestVerifyOutput(t *testing.T) {
	store := mocks.NewChainStore(mocks.NewChain(time.Now(), map[string]int{"qty": 1}, map[string]int{"qty": 2}, map[string]int{"qty": 3})...)
	validator := ledger.NewValidator(store)

	out := &bytes.Buffer{}
	require.NoError(t, (&verifyOptions{to: -1, output: "text"}).run(context.Background(), validator, out))
	assert.Equal(t, "chain valid, 3 blocks checked\n", out.String())

	out.Reset()
	require.NoError(t, (&verifyOptions{to: -1, output: "yaml"}).run(context.Background(), validator, out))
	var result ledger.ValidationResult
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(3), result.Checked)

	out.Reset()
	err := (&verifyOptions{to: -1, output: "xml"}).run(context.Background(), validator, out)
	assert.Error(t, err)
}

func TestVerifyReportsCorruption(t *testing.T) {
	store := mocks.NewChainStore(mocks.NewChain(time.Now(), map[string]int{"qty": 1}, map[string]int{"qty": 2}, map[string]int{"qty": 3})...)
	store.Tamper(1, func(b *ledger.Block) {
		b.Transaction = []byte(`{"qty":200}`)
	})

	out := &bytes.Buffer{}
	err := (&verifyOptions{to: -1, output: "json"}).run(context.Background(), ledger.NewValidator(store), out)
	var corruption *ledger.CorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, uint64(1), corruption.Index)
	assert.Contains(t, out.String(), `"invalid_index": 1`)
}

func TestVerifyRange(t *testing.T) {
	c := &verifyOptions{from: 2, to: 4}
	r := c.rng()
	assert.Equal(t, uint64(2), r.From)
	require.NotNil(t, r.To)
	assert.Equal(t, uint64(4), *r.To)

	r = (&verifyOptions{to: -1}).rng()
	assert.Equal(t, uint64(0), r.From)
	assert.Nil(t, r.To)
}

func TestCloseDatabaseReleasesPool(t *testing.T) {
	db, err := storage.OpenDatabase(storage.SQLiteDriver, "file:"+t.Name()+"?mode=memory")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())

	require.NoError(t, closeDatabase(db).Close())
	assert.Error(t, sqlDB.Ping())
}
