package vault

import (
	"fmt"

	"nhbvault/crypto"
)

// AssetKind discriminates how a deposit reaches the settlement asset.
type AssetKind uint8

const (
	AssetUnknown AssetKind = iota
	// AssetNative is the network's native value, converted through the
	// wrapped-native hop.
	AssetNative
	// AssetForeign is any token other than the settlement asset.
	AssetForeign
	// AssetSettlement is credited as-is.
	AssetSettlement
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetForeign:
		return "foreign"
	case AssetSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// Asset is a classified asset identifier.
type Asset struct {
	Kind AssetKind
	ID   crypto.Address
}

// classify resolves an identifier once at the engine boundary; the rest of the
// engine switches on Kind instead of comparing addresses.
func classify(p Params, id crypto.Address) (Asset, error) {
	switch {
	case id.IsZero():
		return Asset{}, fmt.Errorf("%w: asset identifier required", ErrInvalidAsset)
	case id.Equal(p.Vault):
		return Asset{}, fmt.Errorf("%w: vault cannot deposit itself", ErrInvalidAsset)
	case id.Equal(p.Settlement):
		return Asset{Kind: AssetSettlement, ID: id}, nil
	case !p.Native.IsZero() && id.Equal(p.Native):
		return Asset{Kind: AssetNative, ID: id}, nil
	default:
		return Asset{Kind: AssetForeign, ID: id}, nil
	}
}
