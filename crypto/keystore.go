package crypto

import (
	"errors"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeystoreAddress decrypts the keystore and returns the account address it
// controls. vaultd uses it to resolve the operator identity.
func KeystoreAddress(path, passphrase string) (Address, error) {
	key, err := LoadFromKeystore(path, passphrase)
	if err != nil {
		return Address{}, err
	}
	return key.PubKey().Address(), nil
}
