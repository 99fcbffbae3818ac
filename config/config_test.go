package config

import (
	"os"
	"path"
	"testing"

	"github.com/Durchex/piecesync/config/schema"
	types "github.com/Durchex/piecesync/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestWdb(t *testing.T) *Wdb {
	db, err := gorm.Open(sqlite.Open(path.Join(t.TempDir(), "config.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return WrapDb(db)
}

func TestLoadFile(t *testing.T) {
	file := path.Join(t.TempDir(), "networks.yaml")
	err := os.WriteFile(file, []byte(`
defaultNetwork: sepolia
networks:
  sepolia:
    rpc: https://rpc.sepolia.example
    contract: "0x00000000000000000000000000000000000000aa"
    startBlock: 100
`), 0644)
	require.NoError(t, err)

	conf, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "sepolia", conf.DefaultNet)
	assert.Equal(t, uint64(100), conf.Networks["sepolia"].StartBlock)

	conf, err = LoadFile("")
	require.NoError(t, err)
	assert.Empty(t, conf.Networks)
}

func TestStaticOnly(t *testing.T) {
	c, err := New(map[string]types.Network{"Sepolia": {Rpc: "http://a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://a", c.RpcEndpoint("sepolia"))
	assert.Equal(t, "", c.RpcEndpoint("mainnet"))
	_, ok := c.Network("mainnet")
	assert.False(t, ok)
}

func TestDbOverridesStatic(t *testing.T) {
	wdb := newTestWdb(t)
	c, err := New(map[string]types.Network{
		"sepolia": {Rpc: "http://static", Contract: "0xaa"},
	}, wdb)
	require.NoError(t, err)
	assert.Equal(t, "http://static", c.RpcEndpoint("sepolia"))

	require.NoError(t, wdb.SaveNetwork(schema.NetworkConfig{Name: "sepolia", Rpc: "http://db", Available: true}))
	require.NoError(t, wdb.SaveNetwork(schema.NetworkConfig{Name: "polygon", Rpc: "http://poly", Contract: "0xbb", Available: true}))
	require.NoError(t, wdb.SaveNetwork(schema.NetworkConfig{Name: "mainnet", Rpc: "http://off", Available: false}))
	c.Refresh()

	n, ok := c.Network("sepolia")
	assert.True(t, ok)
	assert.Equal(t, "http://db", n.Rpc)
	assert.Equal(t, "0xaa", n.Contract)
	assert.Equal(t, "http://poly", c.RpcEndpoint("polygon"))
	assert.Equal(t, "", c.RpcEndpoint("mainnet"))
	assert.Len(t, c.Networks(), 2)

	// disabling a row falls back to the static value
	require.NoError(t, wdb.SaveNetwork(schema.NetworkConfig{Name: "sepolia", Rpc: "http://db", Available: false}))
	c.Refresh()
	assert.Equal(t, "http://static", c.RpcEndpoint("sepolia"))
}

func TestIpWhitelist(t *testing.T) {
	wdb := newTestWdb(t)
	c, err := New(nil, wdb)
	require.NoError(t, err)
	require.NoError(t, wdb.Db.Create(&schema.IpRateWhitelist{OriginOrIP: "10.0.0.1", Available: true}).Error)
	require.NoError(t, wdb.Db.Create(&schema.IpRateWhitelist{OriginOrIP: "10.0.0.2", Available: false}).Error)
	c.Refresh()
	assert.True(t, c.IsWhitelisted("10.0.0.1"))
	assert.False(t, c.IsWhitelisted("10.0.0.2"))
}
