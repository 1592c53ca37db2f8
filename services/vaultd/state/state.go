// Package state persists the vaultd runtime: the vault ledger snapshot, the
// in-process bank holdings and the venue pool reserves. All three are written
// after every successful mutation so a restart resumes with backing that
// matches the ledger.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"nhbvault/crypto"
	"nhbvault/native/amm"
	"nhbvault/native/bank"
	"nhbvault/native/vault"
	"nhbvault/storage"
	"nhbvault/storage/trie"
)

var (
	bankKey  = []byte("bank/holdings")
	poolsKey = []byte("amm/pools")
)

// ErrIncomplete is returned when the vault snapshot exists without the bank
// or pool records that are always committed with it.
var ErrIncomplete = errors.New("state: persisted runtime is incomplete")

type storedAddress struct {
	Prefix string
	Bytes  []byte
}

type storedHolding struct {
	Asset   storedAddress
	Holder  storedAddress
	Balance *big.Int
}

type storedPool struct {
	AssetA   storedAddress
	AssetB   storedAddress
	ReserveA *big.Int
	ReserveB *big.Int
}

// Store reads and writes the runtime records in a key-value database.
type Store struct {
	db storage.Database
}

// New wraps db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() storage.Database {
	if s == nil {
		return nil
	}
	return s.db
}

// Save writes the bank, the pools and the vault snapshot in one batch, so a
// failed save leaves the previous runtime intact.
func (s *Store) Save(engine *vault.Engine, ledger *bank.Ledger, exchange *amm.Exchange) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state: store not configured")
	}
	batch := s.db.NewBatch()
	holdings := ledger.Holdings()
	encodedHoldings := make([]storedHolding, 0, len(holdings))
	for _, h := range holdings {
		encodedHoldings = append(encodedHoldings, storedHolding{Asset: encodeAddress(h.Asset), Holder: encodeAddress(h.Holder), Balance: h.Balance})
	}
	raw, err := rlp.EncodeToBytes(encodedHoldings)
	if err != nil {
		return fmt.Errorf("state: encode bank: %w", err)
	}
	if err := batch.Put(bankKey, raw); err != nil {
		return fmt.Errorf("state: write bank: %w", err)
	}

	var pools []amm.Pool
	if exchange != nil {
		pools = exchange.Pools()
	}
	encodedPools := make([]storedPool, 0, len(pools))
	for _, p := range pools {
		encodedPools = append(encodedPools, storedPool{AssetA: encodeAddress(p.AssetA), AssetB: encodeAddress(p.AssetB), ReserveA: p.ReserveA, ReserveB: p.ReserveB})
	}
	raw, err = rlp.EncodeToBytes(encodedPools)
	if err != nil {
		return fmt.Errorf("state: encode pools: %w", err)
	}
	if err := batch.Put(poolsKey, raw); err != nil {
		return fmt.Errorf("state: write pools: %w", err)
	}
	if err := vault.SaveSnapshot(batch, engine.Snapshot()); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Load restores a previously saved runtime into the supplied components. It
// returns false, leaving them untouched, when nothing has been saved yet.
func (s *Store) Load(engine *vault.Engine, ledger *bank.Ledger, exchange *amm.Exchange) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("state: store not configured")
	}
	snap, found, err := vault.LoadSnapshot(s.db)
	if err != nil || !found {
		return false, err
	}
	holdings, err := s.loadHoldings()
	if err != nil {
		return false, err
	}
	pools, err := s.loadPools()
	if err != nil {
		return false, err
	}
	if err := ledger.Restore(holdings); err != nil {
		return false, fmt.Errorf("state: restore bank: %w", err)
	}
	if exchange != nil {
		if err := exchange.RestorePools(pools); err != nil {
			return false, fmt.Errorf("state: restore pools: %w", err)
		}
	}
	if err := engine.Restore(snap); err != nil {
		return false, fmt.Errorf("state: restore vault: %w", err)
	}
	return true, nil
}

func (s *Store) loadHoldings() ([]bank.Holding, error) {
	raw, err := s.db.Get(bankKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: bank holdings missing", ErrIncomplete)
	}
	if err != nil {
		return nil, fmt.Errorf("state: read bank: %w", err)
	}
	var stored []storedHolding
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode bank: %w", err)
	}
	out := make([]bank.Holding, 0, len(stored))
	for _, h := range stored {
		asset, err := decodeAddress(h.Asset)
		if err != nil {
			return nil, err
		}
		holder, err := decodeAddress(h.Holder)
		if err != nil {
			return nil, err
		}
		out = append(out, bank.Holding{Asset: asset, Holder: holder, Balance: h.Balance})
	}
	return out, nil
}

func (s *Store) loadPools() ([]amm.Pool, error) {
	raw, err := s.db.Get(poolsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: pools missing", ErrIncomplete)
	}
	if err != nil {
		return nil, fmt.Errorf("state: read pools: %w", err)
	}
	var stored []storedPool
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode pools: %w", err)
	}
	out := make([]amm.Pool, 0, len(stored))
	for _, p := range stored {
		a, err := decodeAddress(p.AssetA)
		if err != nil {
			return nil, err
		}
		b, err := decodeAddress(p.AssetB)
		if err != nil {
			return nil, err
		}
		out = append(out, amm.Pool{AssetA: a, AssetB: b, ReserveA: p.ReserveA, ReserveB: p.ReserveB})
	}
	return out, nil
}

func encodeAddress(addr crypto.Address) storedAddress {
	return storedAddress{Prefix: string(addr.Prefix()), Bytes: addr.Bytes()}
}

func decodeAddress(stored storedAddress) (crypto.Address, error) {
	addr, err := crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Bytes)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("state: decode address: %w", err)
	}
	return addr, nil
}

// LedgerRoot commits the vault balances in snap to a Merkle root. Leaves are
// keyed by holder bytes with rlp-encoded balances.
func LedgerRoot(snap vault.Snapshot) (common.Hash, error) {
	leaves := make([]trie.Leaf, 0, len(snap.Balances))
	for _, entry := range snap.Balances {
		value, err := rlp.EncodeToBytes(entry.Amount)
		if err != nil {
			return common.Hash{}, fmt.Errorf("state: encode balance: %w", err)
		}
		leaves = append(leaves, trie.Leaf{Key: entry.Holder.Bytes(), Value: value})
	}
	return trie.Root(leaves)
}
