package piecesync

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Durchex/piecesync/schema"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var errConcurrentUpdate = errors.New("concurrent_item_update")

// Wdb is the ledger store. It holds no business rules: every write is either
// an idempotent set, an insert guarded by a unique key, or a conditional
// status transition.
type Wdb struct {
	Db *gorm.DB
}

func NewMysqlDb(dsn string) *Wdb {
	logLevel := logger.Error
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:          logger.Default.LogMode(logLevel), // prod use warn
		CreateBatchSize: 200,
	})
	if err != nil {
		panic(err)
	}
	log.Info("connect mysql db success")
	return &Wdb{Db: db}
}

func NewSqliteDb(path string) *Wdb {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger:          logger.Default.LogMode(logger.Silent),
		CreateBatchSize: 200,
	})
	if err != nil {
		panic(err)
	}
	log.Info("connect sqlite db success", "path", path)
	return &Wdb{Db: db}
}

func (w *Wdb) Migrate() error {
	return w.Db.AutoMigrate(
		&schema.Voucher{}, &schema.VoucherRedemption{},
		&schema.Item{}, &schema.PieceHolding{}, &schema.Trade{},
		&schema.PendingTransfer{}, &schema.RoyaltyPayment{},
	)
}

func (w *Wdb) Close() {
	sqlDb, err := w.Db.DB()
	if err == nil {
		sqlDb.Close()
	}
}

func useTx(w *Wdb, dbTx *gorm.DB) *gorm.DB {
	if dbTx == nil {
		return w.Db
	}
	return dbTx
}

// voucher

func (w *Wdb) InsertVoucher(v *schema.Voucher) error {
	return w.Db.Create(v).Error
}

func (w *Wdb) GetVoucherByHash(messageHash string) (*schema.Voucher, error) {
	v := &schema.Voucher{}
	err := w.Db.Where("message_hash = ?", messageHash).Order("id desc").First(v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schema.ErrVoucherNotFound
	}
	return v, err
}

// ExistVoucher reports whether creator already has a voucher with the same
// signature or over the same message hash.
func (w *Wdb) ExistVoucher(creator, signature, messageHash string) bool {
	var count int64
	err := w.Db.Model(&schema.Voucher{}).
		Where("creator = ? AND (signature = ? OR message_hash = ?)", creator, signature, messageHash).
		Count(&count).Error
	return err == nil && count > 0
}

func (w *Wdb) CountRedeemedVouchers(creator string) (int64, error) {
	var count int64
	err := w.Db.Model(&schema.Voucher{}).
		Where("creator = ? AND status = ? AND listing_id = ?", creator, schema.VoucherRedeemed, "").
		Count(&count).Error
	return count, err
}

// RedeemVoucher applies one redemption log. It returns false when the log was
// already applied or the voucher is no longer pending.
func (w *Wdb) RedeemVoucher(v *schema.Voucher, rd schema.VoucherRedemption, tokenId, buyer string, at time.Time) (applied bool, err error) {
	err = w.Db.Transaction(func(dbTx *gorm.DB) error {
		rd.VoucherId = v.ID
		res := dbTx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rd)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // replay
		}

		cur := &schema.Voucher{}
		if err := dbTx.First(cur, v.ID).Error; err != nil {
			return err
		}
		remaining := cur.RemainingPieces - rd.Pieces
		if remaining < 0 || !cur.MultiPiece() {
			remaining = 0
		}
		updates := map[string]interface{}{
			"remaining_pieces": remaining,
			"token_id":         tokenId,
			"buyer":            buyer,
			"transaction_hash": rd.TransactionHash,
		}
		if remaining == 0 {
			updates["status"] = schema.VoucherRedeemed
			updates["redeemed_at"] = at
		}
		res = dbTx.Model(&schema.Voucher{}).
			Where("id = ? AND status = ?", v.ID, schema.VoucherPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	return
}

func (w *Wdb) ExpireVouchers(now time.Time) (int64, error) {
	res := w.Db.Model(&schema.Voucher{}).
		Where("status = ? AND expires_at < ?", schema.VoucherPending, now).
		Update("status", schema.VoucherExpired)
	return res.RowsAffected, res.Error
}

func (w *Wdb) CancelVoucher(messageHash, creator string) error {
	res := w.Db.Model(&schema.Voucher{}).
		Where("message_hash = ? AND creator = ? AND status = ?", messageHash, creator, schema.VoucherPending).
		Update("status", schema.VoucherCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return schema.ErrVoucherNotPending
	}
	return nil
}

// item

func (w *Wdb) UpsertItem(item *schema.Item) error {
	return w.Db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"contract", "piece_id", "updated_at"}),
	}).Create(item).Error
}

func (w *Wdb) GetItem(network, itemId string) (*schema.Item, error) {
	item := &schema.Item{}
	err := w.Db.Where("network = ? AND item_id = ?", network, itemId).First(item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schema.ErrItemNotFound
	}
	return item, err
}

func (w *Wdb) GetItemByPiece(network, pieceId string) (*schema.Item, error) {
	item := &schema.Item{}
	err := w.Db.Where("network = ? AND piece_id = ?", network, pieceId).First(item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schema.ErrItemNotFound
	}
	return item, err
}

// AppendOwnership adds rec to the item's bounded history unless the same
// log is already there.
func (w *Wdb) AppendOwnership(itemPk uint, rec schema.OwnershipRecord) (bool, error) {
	appended := false
	err := w.Db.Transaction(func(dbTx *gorm.DB) error {
		item := &schema.Item{}
		if err := dbTx.First(item, itemPk).Error; err != nil {
			return err
		}
		history, err := item.History()
		if err != nil {
			return err
		}
		for _, h := range history {
			if h.TransactionHash == rec.TransactionHash && h.LogIndex == rec.LogIndex {
				return nil
			}
		}
		history = append(history, rec)
		if len(history) > schema.MaxOwnershipHistory {
			history = history[len(history)-schema.MaxOwnershipHistory:]
		}
		js, err := json.Marshal(history)
		if err != nil {
			return err
		}
		appended = true
		return dbTx.Model(&schema.Item{}).Where("id = ?", itemPk).Update("ownership_history", datatypes.JSON(js)).Error
	})
	return appended, err
}

// AddRoyaltyPayment records the payment once and advances the item's running
// royalty total only for a new row.
func (w *Wdb) AddRoyaltyPayment(itemPk uint, p schema.RoyaltyPayment) (bool, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return false, err
	}
	added := false
	err = w.Db.Transaction(func(dbTx *gorm.DB) error {
		res := dbTx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		item := &schema.Item{}
		if err := dbTx.First(item, itemPk).Error; err != nil {
			return err
		}
		res = dbTx.Model(&schema.Item{}).Where("id = ? AND royalty_total = ?", itemPk, item.RoyaltyTotal).
			Update("royalty_total", item.RoyaltyTotal.Add(amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConcurrentUpdate // rolls back the payment row too
		}
		added = true
		return nil
	})
	return added, err
}

// holding & trade

func (w *Wdb) UpsertHolding(h schema.PieceHolding, dbTx *gorm.DB) error {
	h.UpdatedAt = time.Now()
	return useTx(w, dbTx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "item_id"}, {Name: "wallet"}},
		DoUpdates: clause.AssignmentColumns([]string{"pieces", "updated_at"}),
	}).Create(&h).Error
}

func (w *Wdb) GetHolding(network, itemId, wallet string) (*schema.PieceHolding, error) {
	h := &schema.PieceHolding{}
	err := w.Db.Where("network = ? AND item_id = ? AND wallet = ?", network, itemId, wallet).First(h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schema.ErrNotExist
	}
	return h, err
}

func (w *Wdb) GetHoldings(network, itemId string) ([]schema.PieceHolding, error) {
	res := make([]schema.PieceHolding, 0)
	err := w.Db.Where("network = ? AND item_id = ?", network, itemId).Order("wallet").Find(&res).Error
	return res, err
}

// InsertTrade returns false when a trade for the same settlement exists.
func (w *Wdb) InsertTrade(t *schema.Trade, dbTx *gorm.DB) (bool, error) {
	res := useTx(w, dbTx).Clauses(clause.OnConflict{DoNothing: true}).Create(t)
	return res.RowsAffected == 1, res.Error
}

func (w *Wdb) GetTrades(network, itemId string) ([]schema.Trade, error) {
	res := make([]schema.Trade, 0)
	err := w.Db.Where("network = ? AND item_id = ?", network, itemId).Order("id").Find(&res).Error
	return res, err
}

// pending transfer

func (w *Wdb) InsertPendingTransfer(p *schema.PendingTransfer) error {
	return w.Db.Create(p).Error
}

func (w *Wdb) GetPendingTransfer(requestId string) (*schema.PendingTransfer, error) {
	p := &schema.PendingTransfer{}
	err := w.Db.Where("request_id = ?", requestId).First(p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schema.ErrNotExist
	}
	return p, err
}

// GetPendingTransfers returns pending records and records whose claim was
// taken before staleBefore and never released.
func (w *Wdb) GetPendingTransfers(limit int, staleBefore time.Time) ([]schema.PendingTransfer, error) {
	res := make([]schema.PendingTransfer, 0, limit)
	err := w.Db.Where("status = ? OR (status = ? AND last_attempt_at < ?)",
		schema.TransferPending, schema.TransferProcessing, staleBefore).
		Order("id").Limit(limit).Find(&res).Error
	return res, err
}

// ClaimPendingTransfer atomically moves a record to processing, either from
// pending or from a processing claim older than staleBefore. attempts is the
// count the caller last read, the claim fails if another sweep moved it on.
// Exactly one caller wins for a given record.
func (w *Wdb) ClaimPendingTransfer(id uint, attempts int, now, staleBefore time.Time) (bool, error) {
	res := w.Db.Model(&schema.PendingTransfer{}).
		Where("id = ? AND attempts = ? AND (status = ? OR (status = ? AND last_attempt_at < ?))",
			id, attempts, schema.TransferPending, schema.TransferProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":          schema.TransferProcessing,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// ReleasePendingTransfer ends the claim identified by attempts. It returns
// schema.ErrClaimLost when the record was reclaimed in the meantime.
func (w *Wdb) ReleasePendingTransfer(id uint, attempts int, status schema.TransferStatus, errMsg string, dbTx *gorm.DB) error {
	res := useTx(w, dbTx).Model(&schema.PendingTransfer{}).
		Where("id = ? AND status = ? AND attempts = ?", id, schema.TransferProcessing, attempts).
		Updates(map[string]interface{}{"status": status, "err_msg": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return schema.ErrClaimLost
	}
	return nil
}
