package trie

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
)

// Leaf is one key/value pair committed to a root.
type Leaf struct {
	Key   []byte
	Value []byte
}

// Root returns the Merkle-Patricia root over leaves. Keys are keccak256
// hashed before insertion so the result does not depend on input order.
// Duplicate keys keep the last value. An empty set yields the empty root.
func Root(leaves []Leaf) (common.Hash, error) {
	if len(leaves) == 0 {
		return gethtypes.EmptyRootHash, nil
	}
	byKey := make(map[common.Hash][]byte, len(leaves))
	for _, leaf := range leaves {
		byKey[crypto.Keccak256Hash(leaf.Key)] = leaf.Value
	}
	keys := make([]common.Hash, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	// StackTrie requires ascending keys.
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	st := gethtrie.NewStackTrie(nil)
	for _, key := range keys {
		value := byKey[key]
		if len(value) == 0 {
			continue
		}
		if err := st.Update(key[:], value); err != nil {
			return common.Hash{}, err
		}
	}
	return st.Hash(), nil
}
