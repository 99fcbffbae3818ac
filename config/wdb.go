package config

import (
	"github.com/Durchex/piecesync/config/schema"
	"github.com/inconshreveable/log15"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var log = log15.New("module", "config")

type Wdb struct {
	Db *gorm.DB
}

func NewWdb(dsn string) (*Wdb, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:          logger.Default.LogMode(logger.Error),
		CreateBatchSize: 10,
	})
	if err != nil {
		return nil, err
	}
	log.Info("connect config db success")
	return &Wdb{Db: db}, nil
}

// WrapDb shares an already opened connection, e.g. the ledger store's.
func WrapDb(db *gorm.DB) *Wdb {
	return &Wdb{Db: db}
}

func (w *Wdb) Migrate() error {
	return w.Db.AutoMigrate(&schema.NetworkConfig{}, &schema.IpRateWhitelist{})
}

func (w *Wdb) GetAvailableNetworks() (nets []schema.NetworkConfig, err error) {
	err = w.Db.Where("available = ?", true).Find(&nets).Error
	return
}

func (w *Wdb) SaveNetwork(n schema.NetworkConfig) error {
	var exist schema.NetworkConfig
	err := w.Db.Where("name = ?", n.Name).First(&exist).Error
	if err == gorm.ErrRecordNotFound {
		return w.Db.Create(&n).Error
	}
	if err != nil {
		return err
	}
	return w.Db.Model(&exist).Updates(map[string]interface{}{
		"rpc":         n.Rpc,
		"contract":    n.Contract,
		"start_block": n.StartBlock,
		"available":   n.Available,
	}).Error
}

func (w *Wdb) GetAllAvailableIpRateWhitelist() (ips []schema.IpRateWhitelist, err error) {
	err = w.Db.Where("available = ?", true).Find(&ips).Error
	return
}

func (w *Wdb) Close() {
	sql, err := w.Db.DB()
	if err == nil {
		sql.Close()
	}
}
