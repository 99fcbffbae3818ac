package piecesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Durchex/piecesync/cache"
	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/config"
	"github.com/Durchex/piecesync/schema"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
)

// PieceSync composes the voucher authority, one listener per network, the
// reconciler and the boundary API.
type PieceSync struct {
	config     *config.Config
	wdb        *Wdb
	store      *Store
	contracts  ContractSource
	seen       *cache.Cache
	publisher  Publisher
	kafka      *KafkaPublisher
	vouchers   *VoucherAuthority
	reconciler *Reconciler

	listenerLock sync.RWMutex
	listeners    map[string]*Listener

	// jobLock is held for reading by running jobs; Close takes it for writing.
	jobLock sync.RWMutex
	closed  bool

	engine    *gin.Engine
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

type Options struct {
	Mysql     string
	Sqlite    string
	BoltDir   string
	MongoUri  string
	KafkaUri  string
	SentryDsn string
	Networks  map[string]schema.Network
	// Dial defaults to an ethclient connection.
	Dial chain.DialFunc
}

func New(opts Options) (*PieceSync, error) {
	if err := InitSentry(opts.SentryDsn); err != nil {
		return nil, err
	}

	var wdb *Wdb
	if opts.Sqlite != "" {
		wdb = NewSqliteDb(opts.Sqlite)
	} else {
		if opts.Mysql == "" {
			return nil, errors.New("store connection is required")
		}
		wdb = NewMysqlDb(opts.Mysql)
	}
	if err := wdb.Migrate(); err != nil {
		return nil, err
	}

	var (
		store *Store
		err   error
	)
	if opts.MongoUri != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = NewMongoStore(ctx, opts.MongoUri)
		cancel()
	} else {
		store, err = NewBoltStore(opts.BoltDir)
	}
	if err != nil {
		return nil, err
	}

	conf, err := config.New(opts.Networks, config.WrapDb(wdb.Db))
	if err != nil {
		return nil, err
	}

	s, err := newPieceSync(conf, wdb, store, chain.NewRegistry(conf, opts.Dial))
	if err != nil {
		return nil, err
	}
	if opts.KafkaUri != "" {
		kp, err := NewKafkaPublisher(opts.KafkaUri)
		if err != nil {
			return nil, err
		}
		s.kafka = kp
		s.setPublisher(kp)
	}
	return s, nil
}

func newPieceSync(conf *config.Config, wdb *Wdb, store *Store, contracts ContractSource) (*PieceSync, error) {
	seen, err := cache.NewLocalCache(time.Hour)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PieceSync{
		config:     conf,
		wdb:        wdb,
		store:      store,
		contracts:  contracts,
		seen:       seen,
		publisher:  nopPublisher{},
		vouchers:   NewVoucherAuthority(wdb, contracts),
		reconciler: NewReconciler(wdb, contracts, nil),
		listeners:  make(map[string]*Listener),
		engine:     gin.Default(),
		scheduler:  gocron.NewScheduler(time.UTC),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.syncListeners()
	return s, nil
}

func (s *PieceSync) setPublisher(p Publisher) {
	s.publisher = p
	s.reconciler.publisher = p
	s.listenerLock.RLock()
	defer s.listenerLock.RUnlock()
	for _, l := range s.listeners {
		l.publisher = p
	}
}

// syncListeners creates a listener for every configured network that has none.
func (s *PieceSync) syncListeners() {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	for _, name := range s.config.Networks() {
		if _, ok := s.listeners[name]; ok {
			continue
		}
		s.listeners[name] = NewListener(name, s.contracts, s.wdb, s.store,
			WithSeenCache(s.seen), WithPublisher(s.publisher))
	}
}

func (s *PieceSync) Listener(network string) (*Listener, bool) {
	s.listenerLock.RLock()
	defer s.listenerLock.RUnlock()
	l, ok := s.listeners[network]
	return l, ok
}

func (s *PieceSync) Listeners() []*Listener {
	s.listenerLock.RLock()
	defer s.listenerLock.RUnlock()
	res := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].network < res[j].network })
	return res
}

func (s *PieceSync) Vouchers() *VoucherAuthority {
	return s.vouchers
}

func (s *PieceSync) Reconciler() *Reconciler {
	return s.reconciler
}

func (s *PieceSync) Run(port string) {
	s.config.Run()
	s.connectListeners()
	go s.runAPI(port)
	go s.runJobs()
}

func (s *PieceSync) Close() {
	s.scheduler.Stop()
	s.cancel()
	s.jobLock.Lock()
	s.closed = true
	s.jobLock.Unlock()

	for _, l := range s.Listeners() {
		l.Stop()
	}
	s.config.Close()
	if s.kafka != nil {
		s.kafka.Close()
	}
	if err := s.store.Close(); err != nil {
		log.Error("s.store.Close()", "err", err)
	}
	s.wdb.Close()
}
