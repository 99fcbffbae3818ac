package rawdb

import (
	"github.com/Durchex/piecesync/schema"
	"github.com/inconshreveable/log15"
)

var log = log15.New("module", "rawdb")

type KeyValueDB interface {
	Put(bucket, key string, value []byte) (err error)

	Get(bucket, key string) (data []byte, err error)

	GetAllKey(bucket string) (keys []string, err error)

	Delete(bucket, key string) (err error)

	Close() (err error)

	Type() string

	Exist(bucket, key string) bool
}

func buckets() []string {
	return []string{
		schema.DeadLetterBucket,
		schema.BackfillCursorBucket,
	}
}
