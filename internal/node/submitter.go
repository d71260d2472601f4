package node

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// LogSubmitter records fully signed withdrawals for an operator to broadcast.
// It is the default when no chain client is configured.
type LogSubmitter struct {
	logger zerolog.Logger
}

func NewLogSubmitter(logger zerolog.Logger) *LogSubmitter {
	return &LogSubmitter{logger: logger.With().Str("service", "withdrawals").Logger()}
}

func (s *LogSubmitter) SubmitWithdrawal(_ context.Context, c protocol.WithdrawalCommitment, signatures []string) error {
	s.logger.Info().
		Str("multisig", c.MultisigAddress).
		Str("asset_id", c.AssetID).
		Str("recipient", c.Recipient).
		Str("amount", c.Amount.String()).
		Str("nonce", c.Nonce).
		Strs("signatures", signatures).
		Msg("withdrawal ready for broadcast")
	return nil
}
