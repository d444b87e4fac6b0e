// Package sqlite is the embedded share store used when minerd runs without
// Kafka or PostgreSQL. It keeps shares and token completion in one SQLite
// file through gorm.
package sqlite

import (
	"context"
	"strconv"
	"time"

	sqliteDriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
)

// ShareRecord is the stored form of a share. Counters are kept as decimal
// text because SQLite integers are signed.
type ShareRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	TokenID        string `gorm:"index;not null"`
	UserID         string `gorm:"index;not null"`
	Seed           string `gorm:"not null"`
	Nonce          string `gorm:"not null"`
	Hash           string `gorm:"uniqueIndex;size:64;not null"`
	Difficulty     int
	HashesComputed string
	ElapsedMillis  int64
	Algo           string    `gorm:"size:16"`
	FoundAt        time.Time `gorm:"index"`
	CreatedAt      time.Time
}

// TokenRecord tracks completion of a token mined locally
type TokenRecord struct {
	ID          string `gorm:"primaryKey"`
	CompletedAt *time.Time
}

// Store implements forge.Sink, forge.ShareRecorder, forge.Counter and
// forge.TokenTracker
type Store struct {
	db     *gorm.DB
	target int64
	logger *log.Logger
}

// New opens a store on dialector and migrates it. target is the share
// count that completes a token.
func New(dialector gorm.Dialector, target int64, logger *log.Logger, opts ...gorm.Option) (*Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite_open", "failed to open local store")
	}

	if err := db.AutoMigrate(&ShareRecord{}, &TokenRecord{}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite_migrate", "failed to migrate local store")
	}

	if target <= 0 {
		target = share.DefaultTarget
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Store{db: db, target: target, logger: logger.WithComponent("local_store")}, nil
}

// Open opens or creates the SQLite file at path
func Open(path string, target int64, logger *log.Logger) (*Store, error) {
	return New(sqliteDriver.Open(path), target, logger, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  gormLogger.Default.LogMode(gormLogger.Silent),
	})
}

// Close closes the underlying database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SubmitShare verifies and stores a share. A share whose hash is already
// stored is accepted without a second row.
func (s *Store) SubmitShare(ctx context.Context, sh *share.Share) error {
	_, err := s.RecordFound(ctx, sh)
	return err
}

// RecordFound implements forge.ShareRecorder. The token is marked completed
// in the same transaction as the share that reaches the target.
func (s *Store) RecordFound(ctx context.Context, sh *share.Share) (*share.Receipt, error) {
	if err := sh.Verify(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_share", "share rejected").
			WithContext("share_id", sh.ID)
	}

	rec := &ShareRecord{
		ID:             sh.ID,
		TokenID:        sh.TokenID,
		UserID:         sh.UserID,
		Seed:           sh.Seed,
		Nonce:          strconv.FormatUint(sh.Nonce, 10),
		Hash:           sh.Hash,
		Difficulty:     sh.Difficulty,
		HashesComputed: strconv.FormatUint(sh.HashesComputed, 10),
		ElapsedMillis:  sh.ElapsedMillis,
		Algo:           sh.Algo,
		FoundAt:        sh.FoundAt,
	}

	receipt := &share.Receipt{Target: s.target}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		receipt.Duplicate = res.RowsAffected == 0

		if err := tx.Model(&ShareRecord{}).Where("token_id = ?", sh.TokenID).Count(&receipt.Found).Error; err != nil {
			return err
		}
		if receipt.Duplicate || !receipt.Completed() {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TokenRecord{ID: sh.TokenID}).Error; err != nil {
			return err
		}
		upd := tx.Model(&TokenRecord{}).
			Where("id = ? AND completed_at IS NULL", sh.TokenID).
			Update("completed_at", now)
		if upd.Error != nil {
			return upd.Error
		}
		receipt.JustCompleted = upd.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "submit_share", "failed to store share locally").
			WithContext("share_id", sh.ID).
			WithContext("token_id", sh.TokenID)
	}

	if receipt.Duplicate {
		s.logger.Debug("duplicate share ignored", "share_id", sh.ID, "hash", sh.Hash)
	} else {
		s.logger.LogShareRecorded(sh.ID, sh.TokenID, receipt.Found, s.target)
	}
	if receipt.JustCompleted {
		s.logger.LogTokenCompleted(sh.TokenID, receipt.Found)
	}
	return receipt, nil
}

// CountShares implements forge.Counter
func (s *Store) CountShares(ctx context.Context, tokenID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ShareRecord{}).Where("token_id = ?", tokenID).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "failed to count shares").
			WithContext("token_id", tokenID)
	}
	return n, nil
}

// TokenProgress implements forge.TokenTracker
func (s *Store) TokenProgress(ctx context.Context, tokenID string) (int64, int64, error) {
	n, err := s.CountShares(ctx, tokenID)
	if err != nil {
		return 0, 0, err
	}
	return n, s.target, nil
}

// Completed reports whether a token has reached its target
func (s *Store) Completed(ctx context.Context, tokenID string) (bool, error) {
	var rec TokenRecord
	err := s.db.WithContext(ctx).Where("id = ?", tokenID).Limit(1).Find(&rec).Error
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "token_completed", "failed to load token")
	}
	return rec.CompletedAt != nil, nil
}

// Shares returns up to limit shares of a token, newest first
func (s *Store) Shares(ctx context.Context, tokenID string, limit int) ([]*share.Share, error) {
	var recs []ShareRecord
	err := s.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("found_at desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "list_shares", "failed to list shares")
	}

	out := make([]*share.Share, 0, len(recs))
	for _, r := range recs {
		nonce, err := strconv.ParseUint(r.Nonce, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "list_shares", "corrupt nonce").
				WithContext("share_id", r.ID)
		}
		hashes, _ := strconv.ParseUint(r.HashesComputed, 10, 64)
		out = append(out, &share.Share{
			ID:             r.ID,
			TokenID:        r.TokenID,
			UserID:         r.UserID,
			Seed:           r.Seed,
			Nonce:          nonce,
			Hash:           r.Hash,
			Difficulty:     r.Difficulty,
			HashesComputed: hashes,
			ElapsedMillis:  r.ElapsedMillis,
			Algo:           r.Algo,
			FoundAt:        r.FoundAt,
		})
	}
	return out, nil
}
