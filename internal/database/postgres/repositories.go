package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateShare is returned when a share hash is already recorded
	ErrDuplicateShare = stderrors.New("share already recorded")
	// ErrTokenNotFound is returned for an unknown token id
	ErrTokenNotFound = stderrors.New("token not found")
)

// uniqueViolation is the SQLSTATE of a unique constraint failure
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare creates a new share record
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO mining_shares (id, token_id, user_id, seed, nonce, hash, difficulty,
		                           hashes_computed, elapsed_ms, algo, is_valid, found_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		share.ID, share.TokenID, share.UserID, share.Seed,
		strconv.FormatUint(share.Nonce, 10), share.Hash, share.Difficulty,
		strconv.FormatUint(share.HashesComputed, 10), share.ElapsedMillis,
		share.Algo, share.IsValid, share.FoundAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateShare, share.Hash)
		}
		return fmt.Errorf("failed to create share: %w", err)
	}

	share.CreatedAt = now
	return nil
}

// GetSharesByToken retrieves shares for a token, newest first
func (r *ShareRepository) GetSharesByToken(ctx context.Context, tokenID string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, token_id, user_id, seed, nonce::text, hash, difficulty, hashes_computed::text,
		       elapsed_ms, algo, is_valid, found_at, created_at
		FROM mining_shares
		WHERE token_id = $1
		ORDER BY found_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, tokenID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		var nonce, hashes string
		err := rows.Scan(
			&share.ID, &share.TokenID, &share.UserID, &share.Seed, &nonce, &share.Hash,
			&share.Difficulty, &hashes, &share.ElapsedMillis, &share.Algo, &share.IsValid,
			&share.FoundAt, &share.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		if share.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
			return nil, fmt.Errorf("bad nonce for share %s: %w", share.ID, err)
		}
		if share.HashesComputed, err = strconv.ParseUint(hashes, 10, 64); err != nil {
			return nil, fmt.Errorf("bad hashes_computed for share %s: %w", share.ID, err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// CountValidShares counts the valid shares of a token
func (r *ShareRepository) CountValidShares(ctx context.Context, tokenID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM mining_shares WHERE token_id = $1 AND is_valid`, tokenID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count shares: %w", err)
	}
	return n, nil
}

// ShareExists reports whether a hash has been recorded
func (r *ShareRepository) ShareExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM mining_shares WHERE hash = $1)`, hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check share: %w", err)
	}
	return exists, nil
}

// TokenRepository handles token-related database operations
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// GetToken retrieves a token by id
func (r *TokenRepository) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	query := `
		SELECT id, name, symbol, status, mined_shares, target_shares, created_at, updated_at, completed_at
		FROM tokens WHERE id = $1`

	token := &Token{}
	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(
		&token.ID, &token.Name, &token.Symbol, &token.Status, &token.MinedShares,
		&token.TargetShares, &token.CreatedAt, &token.UpdatedAt, &token.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	return token, nil
}

// UpdateMinedShares stores the current share count of a token
func (r *TokenRepository) UpdateMinedShares(ctx context.Context, tokenID string, count int64) error {
	query := `UPDATE tokens SET mined_shares = $1, updated_at = $2 WHERE id = $3`

	if _, err := r.db.ExecContext(ctx, query, count, time.Now(), tokenID); err != nil {
		return fmt.Errorf("failed to update mined shares: %w", err)
	}
	return nil
}

// MarkTokenCompleted moves a token to completed. It reports false when the
// token was already completed.
func (r *TokenRepository) MarkTokenCompleted(ctx context.Context, tokenID string) (bool, error) {
	query := `
		UPDATE tokens SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status <> $1`

	res, err := r.db.ExecContext(ctx, query, TokenStatusCompleted, time.Now(), tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to complete token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete token: %w", err)
	}
	return n == 1, nil
}
