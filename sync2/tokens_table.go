package sync2

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
)

// TokenSource hands out the access token of the current session. It returns internal.ErrUnauthorized
// when there is no usable session.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokensTable remembers the access token of each session, encrypted.
type TokensTable struct {
	db *sqlx.DB
	// A separate secret used to en/decrypt access tokens prior to / after retrieval from the database.
	// The local cache may be copied around (backups, bug reports) without leaking the token.
	// We cannot use bcrypt/scrypt as we need the plaintext to do sync requests!
	key256 []byte
}

// NewTokensTable creates the clientsync_tokens table if it does not already exist.
func NewTokensTable(db *sqlx.DB, secret string) *TokensTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_tokens (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		token_encrypted TEXT NOT NULL,
		last_seen BIGINT NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);`)

	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))

	return &TokensTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *TokensTable) encrypt(token string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil))
}

func (t *TokensTable) decrypt(nonceAndEncToken string) (string, error) {
	segs := strings.Split(nonceAndEncToken, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt: want 2 segments, got %d", len(segs))
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt token: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonceBytes) != aesgcm.NonceSize() {
		return "", fmt.Errorf("decrypt nonce: bad length %d", len(nonceBytes))
	}
	token, err := aesgcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// Store the session's access token, replacing any previous one.
func (t *TokensTable) Store(ctx context.Context, userID, deviceID, accessToken string, lastSeen time.Time) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
	INSERT INTO clientsync_tokens (user_id, device_id, token_encrypted, last_seen) VALUES (?, ?, ?, ?)
	ON CONFLICT (user_id, device_id) DO UPDATE SET token_encrypted = excluded.token_encrypted, last_seen = excluded.last_seen`),
		userID, deviceID, t.encrypt(accessToken), lastSeen.UnixMilli(),
	)
	return sqlutil.StorageError("TokensTable.Store", err)
}

// Load the session's access token. Returns internal.ErrUnauthorized if there is none, or if it cannot
// be decrypted with this table's secret.
func (t *TokensTable) Load(ctx context.Context, userID, deviceID string) (string, error) {
	var enc string
	err := t.db.GetContext(ctx, &enc, t.db.Rebind(
		`SELECT token_encrypted FROM clientsync_tokens WHERE user_id = ? AND device_id = ?`,
	), userID, deviceID)
	if err == sql.ErrNoRows {
		return "", internal.ErrUnauthorized
	}
	if err != nil {
		return "", sqlutil.StorageError("TokensTable.Load", err)
	}
	token, err := t.decrypt(enc)
	if err != nil {
		logger.Warn().Err(err).Str("user", userID).Str("device", deviceID).Msg("failed to decrypt access token")
		return "", internal.ErrUnauthorized
	}
	return token, nil
}

// Delete the session's token, e.g. after the server rejected it.
func (t *TokensTable) Delete(ctx context.Context, userID, deviceID string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`DELETE FROM clientsync_tokens WHERE user_id = ? AND device_id = ?`,
	), userID, deviceID)
	return sqlutil.StorageError("TokensTable.Delete", err)
}

// Session is the TokenSource for one stored session.
type Session struct {
	UserID   string
	DeviceID string
	table    *TokensTable
}

func (t *TokensTable) Session(userID, deviceID string) *Session {
	return &Session{
		UserID:   userID,
		DeviceID: deviceID,
		table:    t,
	}
}

func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.table.Load(ctx, s.UserID, s.DeviceID)
}

// Invalidate drops the stored token. Every later AccessToken call returns internal.ErrUnauthorized.
func (s *Session) Invalidate(ctx context.Context) error {
	return s.table.Delete(ctx, s.UserID, s.DeviceID)
}
