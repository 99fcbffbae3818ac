package piecesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Durchex/piecesync/rawdb"
	"github.com/Durchex/piecesync/schema"
)

// Store keeps process state that is not part of the ledger: dead-lettered
// listener events and backfill progress.
type Store struct {
	KVDb rawdb.KeyValueDB
}

func NewBoltStore(boltDir string) (*Store, error) {
	db, err := rawdb.NewBoltDB(boltDir)
	if err != nil {
		return nil, err
	}
	return &Store{KVDb: db}, nil
}

func NewMongoStore(ctx context.Context, uri string) (*Store, error) {
	db, err := rawdb.NewMongoDB(ctx, uri, "piecesync")
	if err != nil {
		return nil, err
	}
	return &Store{KVDb: db}, nil
}

func (s *Store) Close() error {
	return s.KVDb.Close()
}

func (s *Store) SaveDeadLetter(ev schema.QueuedEvent) error {
	by, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.KVDb.Put(schema.DeadLetterBucket, ev.Key(), by)
}

func (s *Store) LoadDeadLetter(key string) (ev schema.QueuedEvent, err error) {
	by, err := s.KVDb.Get(schema.DeadLetterBucket, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(by, &ev)
	return
}

// LoadDeadLetters returns all dead letters ordered by key.
func (s *Store) LoadDeadLetters() ([]schema.QueuedEvent, error) {
	keys, err := s.KVDb.GetAllKey(schema.DeadLetterBucket)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	evs := make([]schema.QueuedEvent, 0, len(keys))
	for _, key := range keys {
		ev, err := s.LoadDeadLetter(key)
		if errors.Is(err, schema.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (s *Store) DeleteDeadLetter(key string) error {
	return s.KVDb.Delete(schema.DeadLetterBucket, key)
}

func cursorKey(network, contract string) string {
	return fmt.Sprintf("%s-%s", network, strings.ToLower(contract))
}

func (s *Store) SaveBackfillCursor(network, contract string, block uint64) error {
	return s.KVDb.Put(schema.BackfillCursorBucket, cursorKey(network, contract), []byte(strconv.FormatUint(block, 10)))
}

// LoadBackfillCursor returns the last fully scanned block, or
// schema.ErrNotExist when the contract was never scanned.
func (s *Store) LoadBackfillCursor(network, contract string) (uint64, error) {
	by, err := s.KVDb.Get(schema.BackfillCursorBucket, cursorKey(network, contract))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(by), 10, 64)
}
