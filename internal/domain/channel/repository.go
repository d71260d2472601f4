package channel

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_store.go -package=mocks . Store

import "context"

// Store persists channel aggregates. Getters return (nil, nil) when the
// record does not exist.
type Store interface {
	GetChannel(ctx context.Context, multisigAddress string) (*Channel, error)
	GetChannelByAppIdentityHash(ctx context.Context, identityHash string) (*Channel, error)
	GetAppInstance(ctx context.Context, identityHash string) (*AppInstance, error)
	GetAppProposal(ctx context.Context, identityHash string) (*Proposal, error)
	// GetMultisigAddressForOwners returns the address of the stored channel
	// for owners. With allowGenerate it derives the address even when no
	// channel exists yet, which only Setup may rely on.
	GetMultisigAddressForOwners(ctx context.Context, owners []string, allowGenerate bool) (string, error)
	ListChannels(ctx context.Context) ([]*Channel, error)

	// SaveChannel creates or replaces a channel in one atomic write.
	SaveChannel(ctx context.Context, ch *Channel) error
	// UpdateChannel atomically applies fn to a copy of the stored channel and
	// persists the result. Nothing is written when fn returns an error.
	UpdateChannel(ctx context.Context, multisigAddress string, fn func(ch *Channel) error) (*Channel, error)
}

// ChannelGetter is the read side needed to resolve owner addresses.
type ChannelGetter interface {
	GetChannel(ctx context.Context, multisigAddress string) (*Channel, error)
}

// MultisigForOwners implements Store.GetMultisigAddressForOwners on top of
// any channel getter.
func MultisigForOwners(ctx context.Context, s ChannelGetter, owners []string, allowGenerate bool) (string, error) {
	addr, err := DeriveMultisigAddress(owners)
	if err != nil {
		return "", err
	}
	if allowGenerate {
		return addr, nil
	}
	ch, err := s.GetChannel(ctx, addr)
	if err != nil {
		return "", err
	}
	if ch == nil {
		return "", nil
	}
	return addr, nil
}
