package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the byte length of every vault identity.
const AddressLength = 20

// AddressPrefix is the human-readable bech32 part of an address.
type AddressPrefix string

const (
	// AccountPrefix tags depositor and operator accounts.
	AccountPrefix AddressPrefix = "nhb"
	// AssetPrefix tags asset identifiers.
	AssetPrefix AddressPrefix = "asset"
	// ModulePrefix tags addresses derived for in-process modules (vault, venue).
	ModulePrefix AddressPrefix = "mod"
)

var errAddressLength = fmt.Errorf("address must be %d bytes long", AddressLength)

// Address is a 20-byte identity with a bech32 prefix. The zero value is the
// empty address.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
	set    bool
}

// NewAddress builds an address, returning an error when b is not 20 bytes.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, errAddressLength
	}
	addr := Address{prefix: prefix, set: true}
	copy(addr.bytes[:], b)
	return addr, nil
}

// MustNewAddress is NewAddress for inputs known to be well formed.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// ModuleAddress derives a deterministic address for a named module.
func ModuleAddress(name string) Address {
	digest := ethcrypto.Keccak256([]byte("module/" + strings.ToLower(strings.TrimSpace(name))))
	return MustNewAddress(ModulePrefix, digest[len(digest)-AddressLength:])
}

func (a Address) String() string {
	if !a.set {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes, or nil for the zero address.
func (a Address) Bytes() []byte {
	if !a.set {
		return nil
	}
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Key returns the raw bytes as a comparable array suitable for map keys.
func (a Address) Key() [AddressLength]byte { return a.bytes }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// IsZero reports whether the address was never set or holds only zero bytes.
func (a Address) IsZero() bool {
	return !a.set || a.bytes == [AddressLength]byte{}
}

// Equal compares the raw bytes; prefixes are presentation only.
func (a Address) Equal(other Address) bool {
	if a.IsZero() || other.IsZero() {
		return a.IsZero() && other.IsZero()
	}
	return bytes.Equal(a.bytes[:], other.bytes[:])
}

// MarshalText renders the bech32 form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the bech32 form.
func (a *Address) UnmarshalText(text []byte) error {
	if a == nil {
		return errors.New("crypto: nil address")
	}
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 encoded address.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the account address controlled by the key.
func (k *PublicKey) Address() Address {
	return MustNewAddress(AccountPrefix, ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
