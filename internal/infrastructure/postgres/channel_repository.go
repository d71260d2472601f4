package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// ChannelRepository implements channel.Store. The whole aggregate is kept as
// one JSONB snapshot; channel_apps indexes app and proposal hashes.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *ChannelRepository) GetChannel(ctx context.Context, multisigAddress string) (*channel.Channel, error) {
	return getChannel(ctx, r.pool, multisigAddress, false)
}

func (r *ChannelRepository) GetChannelByAppIdentityHash(ctx context.Context, identityHash string) (*channel.Channel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT c.snapshot
		FROM channel_apps a JOIN channels c ON c.multisig_address = a.multisig_address
		WHERE a.identity_hash=$1
	`, identityHash)
	return scanChannel(row)
}

func (r *ChannelRepository) GetAppInstance(ctx context.Context, identityHash string) (*channel.AppInstance, error) {
	ch, err := r.GetChannelByAppIdentityHash(ctx, identityHash)
	if err != nil || ch == nil {
		return nil, err
	}
	app, ok := ch.AppInstances[identityHash]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (r *ChannelRepository) GetAppProposal(ctx context.Context, identityHash string) (*channel.Proposal, error) {
	ch, err := r.GetChannelByAppIdentityHash(ctx, identityHash)
	if err != nil || ch == nil {
		return nil, err
	}
	p, ok := ch.ProposedAppInstances[identityHash]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *ChannelRepository) GetMultisigAddressForOwners(ctx context.Context, owners []string, allowGenerate bool) (string, error) {
	return channel.MultisigForOwners(ctx, r, owners, allowGenerate)
}

func (r *ChannelRepository) ListChannels(ctx context.Context) ([]*channel.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT snapshot FROM channels ORDER BY multisig_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*channel.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *ChannelRepository) SaveChannel(ctx context.Context, ch *channel.Channel) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return writeChannel(ctx, tx, ch)
	})
}

func (r *ChannelRepository) UpdateChannel(ctx context.Context, multisigAddress string, fn func(ch *channel.Channel) error) (*channel.Channel, error) {
	var out *channel.Channel
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getChannel(ctx, tx, multisigAddress, true)
		if err != nil {
			return err
		}
		if current == nil {
			return channel.ErrChannelNotFound
		}
		if err := fn(current); err != nil {
			return err
		}
		if err := writeChannel(ctx, tx, current); err != nil {
			return err
		}
		out = current.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getChannel(ctx context.Context, q querier, multisigAddress string, forUpdate bool) (*channel.Channel, error) {
	query := `SELECT snapshot FROM channels WHERE multisig_address=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanChannel(q.QueryRow(ctx, query, multisigAddress))
}

func writeChannel(ctx context.Context, tx pgx.Tx, ch *channel.Channel) error {
	if ch == nil || ch.MultisigAddress == "" {
		return errors.New("channel has no multisig address")
	}
	cp := ch.Clone()
	cp.Normalize()
	snapshot, err := cp.CanonicalJSON()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO channels
		(multisig_address, owners, free_balance_version, num_proposed_apps, snapshot)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (multisig_address) DO UPDATE
		SET owners=EXCLUDED.owners,
			free_balance_version=EXCLUDED.free_balance_version,
			num_proposed_apps=EXCLUDED.num_proposed_apps,
			snapshot=EXCLUDED.snapshot,
			updated_at=NOW()
	`, cp.MultisigAddress, cp.Owners, cp.FreeBalance.LatestVersionNumber, cp.NumProposedApps, snapshot)
	if err != nil {
		return fmt.Errorf("write channel: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM channel_apps WHERE multisig_address=$1`, cp.MultisigAddress); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for hash := range cp.ProposedAppInstances {
		batch.Queue(`INSERT INTO channel_apps (identity_hash, multisig_address, kind) VALUES ($1,$2,'proposal')`, hash, cp.MultisigAddress)
	}
	for hash := range cp.AppInstances {
		batch.Queue(`INSERT INTO channel_apps (identity_hash, multisig_address, kind) VALUES ($1,$2,'app')`, hash, cp.MultisigAddress)
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanChannel(row pgx.Row) (*channel.Channel, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var ch channel.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	ch.Normalize()
	return &ch, nil
}
