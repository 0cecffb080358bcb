package fairness

import (
	"fmt"
	"sync"

	"fairplay-backend/internal/models"
)

const (
	DefaultNonceBudget = 1_000_000
	retiredHistory     = 20
)

type vaultKey struct {
	owner string
	mode  models.GameMode
}

type activePair struct {
	serverSeed string
	hash       string
	clientSeed string
	firstNonce uint64
}

type vaultEntry struct {
	active *activePair
	// queued is the successor commitment, published once the active pair
	// has handed out its whole nonce budget.
	queued    *activePair
	nextNonce uint64
	retired   []models.SeedPair
}

// Vault is the in-memory arena of active seed pairs, one per owner and game
// mode. The commitment of a pair is observable through Current before Next
// consumes any nonce under it: the first pair is committed by Current, and a
// successor is committed as soon as the active pair spends its budget.
type Vault struct {
	mu      sync.Mutex
	entries map[vaultKey]*vaultEntry
	budget  uint64

	newServerSeed func() (string, error)
	newClientSeed func() (string, error)
}

type VaultOption func(*Vault)

// WithNonceBudget sets how many nonces a server seed may serve before it is
// rotated automatically.
func WithNonceBudget(n uint64) VaultOption {
	return func(v *Vault) {
		if n > 0 {
			v.budget = n
		}
	}
}

// WithSeedSource replaces crypto/rand seed generation, for deterministic tests.
func WithSeedSource(server, client func() (string, error)) VaultOption {
	return func(v *Vault) {
		if server != nil {
			v.newServerSeed = server
		}
		if client != nil {
			v.newClientSeed = client
		}
	}
}

func NewVault(opts ...VaultOption) *Vault {
	v := &Vault{
		entries:       make(map[vaultKey]*vaultEntry),
		budget:        DefaultNonceBudget,
		newServerSeed: NewServerSeed,
		newClientSeed: models.GenerateClientSeed,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Current returns the public commitment for owner and mode, committing a
// new pair on first use.
func (v *Vault) Current(owner string, mode models.GameMode) (models.SeedPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, err := v.entryLocked(owner, mode)
	if err != nil {
		return models.SeedPair{}, err
	}
	return e.public(), nil
}

// Next consumes one nonce and returns the secret pair for it together with
// its public view.
func (v *Vault) Next(owner string, mode models.GameMode) (SeedPair, models.SeedPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, err := v.entryLocked(owner, mode)
	if err != nil {
		return SeedPair{}, models.SeedPair{}, err
	}
	if v.exhausted(e) {
		if err := v.rotateLocked(e, ""); err != nil {
			return SeedPair{}, models.SeedPair{}, err
		}
	}

	pub := e.activePublic()
	pair := SeedPair{
		ServerSeed: e.active.serverSeed,
		ClientSeed: e.active.clientSeed,
		Nonce:      e.nextNonce,
	}
	e.nextNonce++
	if v.exhausted(e) && e.queued == nil {
		// commit the successor now; on failure rotateLocked retries it
		if next, err := v.newPair(e.active.clientSeed); err == nil {
			e.queued = next
		}
	}
	return pair, pub, nil
}

// Rotate retires the active server seed, revealing it, and commits a new
// one. An empty clientSeed keeps the current client seed.
func (v *Vault) Rotate(owner string, mode models.GameMode, clientSeed string) (revealed, next models.SeedPair, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, err := v.entryLocked(owner, mode)
	if err != nil {
		return models.SeedPair{}, models.SeedPair{}, err
	}
	if err := v.rotateLocked(e, clientSeed); err != nil {
		return models.SeedPair{}, models.SeedPair{}, err
	}
	return e.retired[len(e.retired)-1], e.public(), nil
}

// RetireIf rotates the active pair only if its commitment still equals hash.
// Sessions call it when they close so their seed is never reused.
func (v *Vault) RetireIf(owner string, mode models.GameMode, hash string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[vaultKey{owner, mode}]
	if !ok || e.active == nil || e.active.hash != hash {
		return false, nil
	}
	if err := v.rotateLocked(e, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Revealed lists recently retired seed pairs, newest last.
func (v *Vault) Revealed(owner string, mode models.GameMode) []models.SeedPair {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[vaultKey{owner, mode}]
	if !ok {
		return nil
	}
	out := make([]models.SeedPair, len(e.retired))
	copy(out, e.retired)
	return out
}

func (v *Vault) entryLocked(owner string, mode models.GameMode) (*vaultEntry, error) {
	key := vaultKey{owner, mode}
	e, ok := v.entries[key]
	if !ok {
		e = &vaultEntry{}
		v.entries[key] = e
	}
	if e.active == nil {
		client, err := v.newClientSeed()
		if err != nil {
			return nil, err
		}
		pair, err := v.newPair(client)
		if err != nil {
			return nil, err
		}
		pair.firstNonce = e.nextNonce
		e.active = pair
	}
	return e, nil
}

func (v *Vault) exhausted(e *vaultEntry) bool {
	return e.nextNonce-e.active.firstNonce >= v.budget
}

func (v *Vault) newPair(clientSeed string) (*activePair, error) {
	server, err := v.newServerSeed()
	if err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}
	return &activePair{serverSeed: server, hash: HashServerSeed(server), clientSeed: clientSeed}, nil
}

// rotateLocked retires the active pair and promotes the queued commitment,
// or commits a fresh pair when none is queued or the client seed changes.
func (v *Vault) rotateLocked(e *vaultEntry, clientSeed string) error {
	old := e.active
	if clientSeed == "" {
		clientSeed = old.clientSeed
	}
	next := e.queued
	if next == nil || next.clientSeed != clientSeed {
		var err error
		if next, err = v.newPair(clientSeed); err != nil {
			return err
		}
	}
	next.firstNonce = e.nextNonce
	e.active = next
	e.queued = nil

	lastNonce := e.nextNonce
	if lastNonce > old.firstNonce {
		lastNonce--
	}
	e.retired = append(e.retired, models.SeedPair{
		ServerSeed:     old.serverSeed,
		ServerSeedHash: old.hash,
		ClientSeed:     old.clientSeed,
		Nonce:          lastNonce,
	})
	if len(e.retired) > retiredHistory {
		e.retired = e.retired[len(e.retired)-retiredHistory:]
	}
	return nil
}

// public is the commitment the next nonce will be drawn under.
func (e *vaultEntry) public() models.SeedPair {
	if e.queued != nil {
		return models.SeedPair{
			ServerSeedHash: e.queued.hash,
			ClientSeed:     e.queued.clientSeed,
			Nonce:          e.nextNonce,
		}
	}
	return e.activePublic()
}

func (e *vaultEntry) activePublic() models.SeedPair {
	return models.SeedPair{
		ServerSeedHash: e.active.hash,
		ClientSeed:     e.active.clientSeed,
		Nonce:          e.nextNonce,
	}
}
