package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/druso/photoflow/pkg/types"
)

// HashCheck is the outcome of validating a supplied public hash.
type HashCheck string

const (
	HashOK       HashCheck = "ok"
	HashMissing  HashCheck = "missing"
	HashExpired  HashCheck = "expired"
	HashMismatch HashCheck = "mismatch"
)

// hashBytes yields 40 URL-safe base64 characters of entropy.
const hashBytes = 30

// NewHash returns a random URL-safe public hash.
func NewHash() (string, error) {
	buf := make([]byte, hashBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate hash: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GetPhotoHash returns the hash record for a photo, expired or not.
func (s *Store) GetPhotoHash(photoID int64) (*types.PublicLinkHash, error) {
	stmt, err := s.stmts.Get("hashes:get",
		`SELECT id, photo_id, hash, rotated_at, expires_at FROM photo_public_hashes WHERE photo_id = ?`)
	if err != nil {
		return nil, err
	}
	return scanHash(stmt.QueryRow(photoID))
}

// EnsurePhotoHash guarantees the photo has an active hash, issuing a new
// one when none exists or the current one has expired. At most one hash
// exists per photo; reissue supersedes the prior record.
func (s *Store) EnsurePhotoHash(photoID int64, now time.Time, ttl time.Duration) (*types.PublicLinkHash, error) {
	existing, err := s.GetPhotoHash(photoID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && !existing.Expired(now) {
		return existing, nil
	}
	return s.issueHash(photoID, now, ttl)
}

// RotatePhotoHash unconditionally replaces the photo's hash.
func (s *Store) RotatePhotoHash(photoID int64, now time.Time, ttl time.Duration) (*types.PublicLinkHash, error) {
	return s.issueHash(photoID, now, ttl)
}

func (s *Store) issueHash(photoID int64, now time.Time, ttl time.Duration) (*types.PublicLinkHash, error) {
	hash, err := NewHash()
	if err != nil {
		return nil, err
	}

	h := &types.PublicLinkHash{
		PhotoID:   photoID,
		Hash:      hash,
		RotatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
	}
	err = s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO photo_public_hashes (photo_id, hash, rotated_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(photo_id) DO UPDATE SET hash = excluded.hash,
				rotated_at = excluded.rotated_at, expires_at = excluded.expires_at`,
			photoID, hash, h.RotatedAt.Unix(), h.ExpiresAt.Unix())
		if err != nil {
			return err
		}
		h.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue hash for photo %d: %w", photoID, err)
	}
	return h, nil
}

// InvalidatePhotoHash removes the photo's hash. Called when a photo
// returns to private visibility.
func (s *Store) InvalidatePhotoHash(photoID int64) error {
	_, err := s.db.Exec(`DELETE FROM photo_public_hashes WHERE photo_id = ?`, photoID)
	return err
}

// ListRotatableHashes returns the photo IDs whose hash is expired or was
// rotated longer ago than the rotation horizon.
func (s *Store) ListRotatableHashes(now time.Time, horizon time.Duration) ([]int64, error) {
	stmt, err := s.stmts.Get("hashes:rotatable",
		`SELECT photo_id FROM photo_public_hashes WHERE expires_at <= ? OR rotated_at <= ? ORDER BY photo_id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(now.Unix(), now.Add(-horizon).Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ValidatePhotoHash checks a supplied hash against the stored record.
// The failure reason is exactly one of missing, expired, or mismatch.
func (s *Store) ValidatePhotoHash(photoID int64, supplied string, now time.Time) (HashCheck, error) {
	h, err := s.GetPhotoHash(photoID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return HashMissing, nil
		}
		return HashMissing, err
	}
	if h.Expired(now) {
		return HashExpired, nil
	}
	if supplied == "" {
		return HashMissing, nil
	}
	if supplied != h.Hash {
		return HashMismatch, nil
	}
	return HashOK, nil
}

func scanHash(row rowScanner) (*types.PublicLinkHash, error) {
	var h types.PublicLinkHash
	var rotated, expires int64
	err := row.Scan(&h.ID, &h.PhotoID, &h.Hash, &rotated, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	h.RotatedAt = time.Unix(rotated, 0).UTC()
	h.ExpiresAt = time.Unix(expires, 0).UTC()
	return &h, nil
}
