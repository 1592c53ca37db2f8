package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"nhbvault/crypto"
	"nhbvault/storage"
)

const snapshotVersion uint64 = 1

var snapshotKey = []byte("vault/state")

type storedBalance struct {
	Prefix string
	Holder []byte
	Amount *big.Int
}

type storedSnapshot struct {
	Version  uint64
	Balances []storedBalance
	Total    *big.Int
	Paused   bool
}

// SaveSnapshot rlp-encodes snap into db, replacing any previous snapshot.
// Passing a storage.Batch stages the write alongside other records.
func SaveSnapshot(db storage.KeyValueWriter, snap Snapshot) error {
	if db == nil {
		return fmt.Errorf("vault: snapshot store not configured")
	}
	stored := storedSnapshot{Version: snapshotVersion, Total: cloneBig(snap.Total), Paused: snap.Paused}
	stored.Balances = make([]storedBalance, 0, len(snap.Balances))
	for _, entry := range snap.Balances {
		stored.Balances = append(stored.Balances, storedBalance{
			Prefix: string(entry.Holder.Prefix()),
			Holder: entry.Holder.Bytes(),
			Amount: cloneBig(entry.Amount),
		})
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("vault: encode snapshot: %w", err)
	}
	return db.Put(snapshotKey, encoded)
}

// LoadSnapshot decodes the stored snapshot. The boolean is false when no
// snapshot has been written yet.
func LoadSnapshot(db storage.Database) (Snapshot, bool, error) {
	if db == nil {
		return Snapshot{}, false, fmt.Errorf("vault: snapshot store not configured")
	}
	raw, err := db.Get(snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("vault: read snapshot: %w", err)
	}
	var stored storedSnapshot
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Snapshot{}, false, fmt.Errorf("vault: decode snapshot: %w", err)
	}
	if stored.Version != snapshotVersion {
		return Snapshot{}, false, fmt.Errorf("vault: unsupported snapshot version %d", stored.Version)
	}
	snap := Snapshot{Total: cloneBig(stored.Total), Paused: stored.Paused}
	snap.Balances = make([]BalanceEntry, 0, len(stored.Balances))
	for _, entry := range stored.Balances {
		holder, err := crypto.NewAddress(crypto.AddressPrefix(entry.Prefix), entry.Holder)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("vault: decode snapshot holder: %w", err)
		}
		snap.Balances = append(snap.Balances, BalanceEntry{Holder: holder, Amount: cloneBig(entry.Amount)})
	}
	return snap, true, nil
}
