package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"heirloom/api/internal/util"
)

// ErrIDTaken means an insert reused the id of an existing or deleted record,
// possibly one belonging to another family.
var ErrIDTaken = errors.New("id already in use")

const uniqueViolation = "23505"

// insertError maps a primary key clash to ErrIDTaken.
func insertError(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert %s: %w", what, ErrIDTaken)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(raw), nil
}

func decodeIDs(raw []byte) ([]string, error) {
	ids := make([]string, 0)
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetFamily(ctx context.Context, protocolKey string) (Family, error) {
	var family Family
	err := s.db.QueryRowContext(ctx, `
		SELECT protocol_key, name, password_hash, viewer_password_hash, created_at, updated_at
		FROM families
		WHERE protocol_key = $1
	`, protocolKey).Scan(&family.ProtocolKey, &family.Name, &family.PasswordHash, &family.ViewerPasswordHash, &family.CreatedAt, &family.UpdatedAt)
	if err != nil {
		return Family{}, err
	}
	return family, nil
}

func (s *PostgresStore) InsertFamily(ctx context.Context, family Family) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO families (protocol_key, name, password_hash, viewer_password_hash)
		VALUES ($1, $2, $3, $4)
	`, family.ProtocolKey, family.Name, family.PasswordHash, family.ViewerPasswordHash)
	if err != nil {
		return fmt.Errorf("insert family: %w", err)
	}
	return nil
}

// UpdateFamilyPassword replaces the shared hash, or the viewer hash when viewer is set.
func (s *PostgresStore) UpdateFamilyPassword(ctx context.Context, protocolKey, hash string, viewer bool) error {
	column := "password_hash"
	if viewer {
		column = "viewer_password_hash"
	}
	result, err := s.db.ExecContext(ctx, `UPDATE families SET `+column+`=$2, updated_at=NOW() WHERE protocol_key=$1`, protocolKey, hash)
	if err != nil {
		return fmt.Errorf("update family password: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update family password: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// EnsureUser returns the user with the given display name in the family,
// creating it on first login. The first user of a family is its admin.
func (s *PostgresStore) EnsureUser(ctx context.Context, protocolKey, name string) (User, error) {
	user := User{ProtocolKey: protocolKey}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, is_admin, created_at
		FROM users
		WHERE protocol_key = $1 AND display_name = $2
	`, protocolKey, name).Scan(&user.ID, &user.DisplayName, &user.IsAdmin, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, protocol_key, display_name, is_admin)
		VALUES ($1, $2, $3, NOT EXISTS (SELECT 1 FROM users WHERE protocol_key = $2))
		ON CONFLICT (protocol_key, display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, is_admin, created_at
	`, util.NewID("usr"), protocolKey, name).Scan(&user.ID, &user.DisplayName, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_key, display_name, is_admin, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.ProtocolKey, &user.DisplayName, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, protocolKey string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol_key, display_name, is_admin, created_at
		FROM users
		WHERE protocol_key = $1
		ORDER BY display_name
	`, protocolKey)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.ProtocolKey, &user.DisplayName, &user.IsAdmin, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SaveRefreshSession records a refresh token for user, carrying the role
// granted at login.
func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, role, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, role=EXCLUDED.role, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, user.Role, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves a live refresh session to its user. The
// returned Role is the role granted at login, not the admin flag.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.protocol_key, u.display_name, u.is_admin, u.created_at, rs.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.ProtocolKey, &user.DisplayName, &user.IsAdmin, &user.CreatedAt, &user.Role)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredTokens drops revoked-token and refresh-session rows past expiry.
func (s *PostgresStore) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	var total int64
	for _, query := range []string{
		`DELETE FROM revoked_access_tokens WHERE expires_at < NOW()`,
		`DELETE FROM refresh_sessions WHERE expires_at < NOW() OR revoked_at IS NOT NULL`,
	} {
		result, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return total, fmt.Errorf("purge expired tokens: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
