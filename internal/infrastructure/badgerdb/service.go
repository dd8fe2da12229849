package badgerdb

import (
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/scholarmail/gatekeeper/internal/config"
)

// Service wraps an embedded badger database. It is the durable local
// backend, filling the role a single SQLite file would in a smaller stack.
type Service struct {
	db   *badger.DB
	stop chan struct{}
}

func NewService(cfg config.StorageConfig) (*Service, error) {
	opts := badger.DefaultOptions(cfg.DataPath)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(nil) // badger's own logger is too chatty

	db, err := badger.Open(opts)
	if err != nil {
		log.Error().
			Err(err).
			Str("path", cfg.DataPath).
			Msg("Failed to open badger database")
		return nil, err
	}

	svc := &Service{db: db, stop: make(chan struct{})}
	if !cfg.InMemory {
		go svc.runGC(10 * time.Minute)
	}
	return svc, nil
}

// Update runs fn in a read-write transaction, retrying on commit conflicts.
// Badger uses optimistic concurrency, so two goroutines mutating the same
// key race at commit time; the loser simply reruns its transaction.
func (s *Service) Update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// View runs fn in a read-only transaction
func (s *Service) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

func (s *Service) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

func (s *Service) Close() error {
	close(s.stop)
	return s.db.Close()
}
