package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"

	"fairplay-backend/internal/models"
)

const (
	badgerWalletPrefix = "wallet/"
	badgerEntryPrefix  = "entry/"
	badgerIndexPrefix  = "idx/"

	conflictRetries = 20
)

// badgerWallet keeps the per-wallet index sequence next to the balances.
type badgerWallet struct {
	models.Wallet
	Seq uint64 `json:"seq"`
}

// BadgerStore is the embedded ledger backend. Each Apply is one serializable
// transaction, retried when badger detects a write conflict.
type BadgerStore struct {
	db      *badger.DB
	history int
	now     func() time.Time
}

// NewBadgerStore opens a store under dir. An empty dir runs in memory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, history: DefaultEntryHistory, now: time.Now}, nil
}

func (s *BadgerStore) Apply(ctx context.Context, m Mutation) (models.LedgerEntry, bool, error) {
	var (
		entry    models.LedgerEntry
		replayed bool
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, conflictRetries), ctx)

	err := backoff.Retry(func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			entry, replayed, err = s.applyTxn(txn, m)
			return err
		})
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)

	if errors.Is(err, badger.ErrConflict) {
		return models.LedgerEntry{}, false, unavailable(err)
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	return entry, replayed, nil
}

func (s *BadgerStore) applyTxn(txn *badger.Txn, m Mutation) (models.LedgerEntry, bool, error) {
	entryKey := []byte(badgerEntryPrefix + m.IdempotencyKey)

	var existing models.LedgerEntry
	found, err := getJSON(txn, entryKey, &existing)
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	if found {
		want := m.entry()
		if !existing.SamePayload(&want) {
			return models.LedgerEntry{}, false, models.NewError(models.CodeDuplicateTx, m.IdempotencyKey)
		}
		return existing, true, nil
	}

	walletKey := []byte(badgerWalletPrefix + m.WalletKey)
	var w badgerWallet
	found, err = getJSON(txn, walletKey, &w)
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	if !found {
		if !m.Create {
			return models.LedgerEntry{}, false, models.NewError(models.CodeUserNotFound, m.WalletKey)
		}
		w.Wallet = models.Wallet{Key: m.WalletKey, OwnerID: m.OwnerID, Currency: m.Currency}
	}

	entry := m.entry()
	entry.BalanceBefore = w.Balance
	entry.BalanceAfter = w.Balance + m.Delta
	entry.LockedAfter = w.LockedBalance + m.LockDelta
	entry.CreatedAt = s.now().UTC()
	if entry.BalanceAfter < 0 || entry.LockedAfter < 0 {
		return models.LedgerEntry{}, false, models.NewError(models.CodeInsufficientFunds, m.WalletKey)
	}
	if entry.BalanceAfter > MaxAmount || entry.LockedAfter > MaxAmount {
		return models.LedgerEntry{}, false, models.NewError(models.CodeInvalidAmount, m.WalletKey)
	}

	w.Balance = entry.BalanceAfter
	w.LockedBalance = entry.LockedAfter
	w.Seq++

	if err := setJSON(txn, walletKey, w); err != nil {
		return models.LedgerEntry{}, false, err
	}
	if err := setJSON(txn, entryKey, entry); err != nil {
		return models.LedgerEntry{}, false, err
	}
	if err := txn.Set(indexKey(m.WalletKey, w.Seq), []byte(m.IdempotencyKey)); err != nil {
		return models.LedgerEntry{}, false, err
	}
	if w.Seq > uint64(s.history) {
		if err := txn.Delete(indexKey(m.WalletKey, w.Seq-uint64(s.history))); err != nil {
			return models.LedgerEntry{}, false, err
		}
	}
	return entry, false, nil
}

func (s *BadgerStore) Wallet(_ context.Context, walletKey string) (models.Wallet, error) {
	var w badgerWallet
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, []byte(badgerWalletPrefix+walletKey), &w)
		if err != nil {
			return err
		}
		if !found {
			return models.NewError(models.CodeUserNotFound, walletKey)
		}
		return nil
	})
	return w.Wallet, err
}

func (s *BadgerStore) Entry(_ context.Context, key string) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, []byte(badgerEntryPrefix+key), &e)
		if err != nil {
			return err
		}
		if !found {
			return models.NewError(models.CodeEntryNotFound, key)
		}
		return nil
	})
	return e, err
}

func (s *BadgerStore) Entries(_ context.Context, walletKey string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > s.history {
		limit = 50
	}

	entries := make([]models.LedgerEntry, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerIndexPrefix + walletKey + "/")
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e models.LedgerEntry
			found, err := getJSON(txn, []byte(badgerEntryPrefix+string(id)), &e)
			if err != nil {
				return err
			}
			if found {
				entries = append(entries, e)
			}
		}
		return nil
	})
	return entries, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func indexKey(walletKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", badgerIndexPrefix, walletKey, seq))
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
