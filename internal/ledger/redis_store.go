package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fairplay-backend/internal/models"
)

// applyScript runs the whole mutation inside Redis so concurrent debits on
// one wallet serialize. Amounts travel as Lua numbers and cjson keeps 14
// significant digits, so balances are capped at MaxAmount.
var applyScript = redis.NewScript(`
	local walletKey = KEYS[1]
	local entryKey = KEYS[2]
	local indexKey = KEYS[3]

	local delta = tonumber(ARGV[4])
	local lockDelta = tonumber(ARGV[5])
	local kind = ARGV[6]

	local existing = redis.call("GET", entryKey)
	if existing then
		local e = cjson.decode(existing)
		if e.wallet_key == ARGV[1] and tonumber(e.delta) == delta and tonumber(e.lock_delta) == lockDelta and e.kind == kind then
			return {existing, 1}
		end
		return redis.error_reply("DUPLICATE_TRANSACTION")
	end

	local data = redis.call("GET", walletKey)
	local wallet
	if not data then
		if ARGV[8] ~= "1" then
			return redis.error_reply("USER_NOT_FOUND")
		end
		wallet = {key = ARGV[1], owner_id = ARGV[2], currency = ARGV[3], balance = 0, locked_balance = 0}
	else
		wallet = cjson.decode(data)
	end

	local before = tonumber(wallet.balance)
	local balance = before + delta
	local locked = tonumber(wallet.locked_balance) + lockDelta
	if balance < 0 or locked < 0 then
		return redis.error_reply("INSUFFICIENT_FUNDS")
	end
	if balance > tonumber(ARGV[12]) or locked > tonumber(ARGV[12]) then
		return redis.error_reply("INVALID_AMOUNT")
	end

	wallet.balance = balance
	wallet.locked_balance = locked
	redis.call("SET", walletKey, cjson.encode(wallet))

	local entry = cjson.encode({
		idempotency_key = ARGV[10],
		wallet_key = ARGV[1],
		delta = delta,
		lock_delta = lockDelta,
		balance_before = before,
		balance_after = balance,
		locked_after = locked,
		kind = kind,
		reference = ARGV[7],
		created_at = ARGV[9]
	})
	redis.call("SET", entryKey, entry)
	redis.call("LPUSH", indexKey, ARGV[10])
	redis.call("LTRIM", indexKey, 0, tonumber(ARGV[11]) - 1)

	return {entry, 0}
`)

type RedisStore struct {
	client  redis.UniversalClient
	history int
	now     func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, history: DefaultEntryHistory, now: time.Now}
}

func (s *RedisStore) Apply(ctx context.Context, m Mutation) (models.LedgerEntry, bool, error) {
	keys := []string{
		fmt.Sprintf(KeyWallet, m.WalletKey),
		fmt.Sprintf(KeyEntry, m.IdempotencyKey),
		fmt.Sprintf(KeyWalletEntries, m.WalletKey),
	}
	create := "0"
	if m.Create {
		create = "1"
	}
	args := []any{
		m.WalletKey, m.OwnerID, m.Currency,
		m.Delta, m.LockDelta, string(m.Kind), m.Reference,
		create, s.now().UTC().Format(time.RFC3339Nano),
		m.IdempotencyKey, s.history, MaxAmount,
	}

	res, err := applyScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return models.LedgerEntry{}, false, scriptError(err)
	}
	if len(res) != 2 {
		return models.LedgerEntry{}, false, fmt.Errorf("unexpected script reply: %v", res)
	}
	raw, _ := res[0].(string)
	replayed, _ := res[1].(int64)

	var entry models.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return entry, replayed == 1, nil
}

func (s *RedisStore) Wallet(ctx context.Context, walletKey string) (models.Wallet, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyWallet, walletKey)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Wallet{}, models.NewError(models.CodeUserNotFound, walletKey)
	}
	if err != nil {
		return models.Wallet{}, unavailable(err)
	}

	var w models.Wallet
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return models.Wallet{}, fmt.Errorf("failed to unmarshal wallet: %w", err)
	}
	return w, nil
}

func (s *RedisStore) Entry(ctx context.Context, key string) (models.LedgerEntry, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyEntry, key)).Result()
	if errors.Is(err, redis.Nil) {
		return models.LedgerEntry{}, models.NewError(models.CodeEntryNotFound, key)
	}
	if err != nil {
		return models.LedgerEntry{}, unavailable(err)
	}

	var e models.LedgerEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e, nil
}

func (s *RedisStore) Entries(ctx context.Context, walletKey string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > s.history {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, fmt.Sprintf(KeyWalletEntries, walletKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []models.LedgerEntry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyEntry, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	entries := make([]models.LedgerEntry, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		var e models.LedgerEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scriptError maps error_reply codes raised by applyScript onto the
// taxonomy. Anything else is an infrastructure failure.
func scriptError(err error) error {
	msg := err.Error()
	for _, code := range []models.Code{
		models.CodeDuplicateTx,
		models.CodeUserNotFound,
		models.CodeInsufficientFunds,
		models.CodeInvalidAmount,
	} {
		if strings.Contains(msg, string(code)) {
			return models.NewError(code, "")
		}
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return models.WrapError(models.CodeStoreUnavailable, "ledger store", err)
}
