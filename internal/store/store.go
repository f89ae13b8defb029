// Package store is the relational storage collaborator the core consumes
// through the narrow command/query surface of §6.5: users, servers,
// channels, messages, friends, reactions, pins, roles, bans, and audit log.
// It is presumed blocking (§5.4) — callers in the core bridge it through a
// bounded worker-pool semaphore rather than calling it from a session's
// strand directly.
//
// Migration design follows the teacher's own convention: SQL statements are
// kept in the [migrations] slice as ordered strings, each applied exactly
// once, with the applied version tracked in a schema_migrations table. To
// add a migration, append — never edit or reorder existing entries.
package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkme/server/internal/credential"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		email         TEXT NOT NULL UNIQUE,
		display       TEXT NOT NULL,
		tag           TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		totp_secret   TEXT NOT NULL DEFAULT '',
		trusted_hwids TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — servers (the "guild" concept) and membership
	`CREATE TABLE IF NOT EXISTS servers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner      TEXT NOT NULL,
		join_code  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE TABLE IF NOT EXISTS server_members (
		server_id TEXT NOT NULL,
		username  TEXT NOT NULL,
		perm_bits INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (server_id, username)
	)`,
	// v3 — channels
	`CREATE TABLE IF NOT EXISTS channels (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id         TEXT NOT NULL,
		name              TEXT NOT NULL,
		slow_mode_seconds INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		channel_id    INTEGER NOT NULL,
		username      TEXT NOT NULL,
		body          TEXT NOT NULL,
		attachment_id TEXT NOT NULL DEFAULT '',
		reply_to      TEXT NOT NULL DEFAULT '',
		pinned        INTEGER NOT NULL DEFAULT 0,
		edited        INTEGER NOT NULL DEFAULT 0,
		deleted       INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
	// v5 — reactions
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id TEXT NOT NULL,
		username   TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		PRIMARY KEY (message_id, username, emoji)
	)`,
	// v6 — friends and direct messages
	`CREATE TABLE IF NOT EXISTS friends (
		username_a TEXT NOT NULL,
		username_b TEXT NOT NULL,
		PRIMARY KEY (username_a, username_b)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_messages (
		id         TEXT PRIMARY KEY,
		sender     TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v7 — roles, bans, audit log (grounded on the teacher's own admin schema)
	`CREATE TABLE IF NOT EXISTS user_roles (
		username TEXT PRIMARY KEY,
		role     TEXT NOT NULL DEFAULT 'member'
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor        TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v8 — WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store persists server state in SQLite (modernc.org/sqlite, pure Go, no
// CGO — the teacher's own choice, carried forward unchanged).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var applied int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count schema_migrations: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
		slog.Debug("storage migration applied", "version", i+1)
	}
	return nil
}

// LoginResult is the three-way outcome of Login, mirroring §6.5's
// pseudo-signature `{ Ok(Username) | Needs2FA(Username) | Fail }`.
type LoginResult int

const (
	LoginOk LoginResult = iota
	LoginNeeds2FA
	LoginFail
)

var (
	ErrEmailTaken    = errors.New("email already registered")
	ErrUserNotFound  = errors.New("user not found")
	ErrChannelLocked = errors.New("channel slow mode active")
)

// PermBits is the bitmask returned by Permissions (§6.5).
type PermBits uint32

const (
	PermSendMessage PermBits = 1 << iota
	PermManageChannels
	PermManageMessages
	PermKick
	PermBan
	PermAdmin
)

// Register creates a new user. Credential hashing is owned here rather than
// by the core: §1 describes credential verification as an external
// collaborator, and §6.5 lists login/validate_session as storage
// pseudo-signatures, so this store treats password handling as its own
// internal concern and exposes only pass/fail outcomes to callers.
func (s *Store) Register(ctx context.Context, email, display, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := credential.HashPassword(password)
	if err != nil {
		return "", err
	}
	tag := fmt.Sprintf("%04d", int(uuid.New().ID()%10000))
	username := display + "#" + tag

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (email, display, tag, password_hash) VALUES (?, ?, ?, ?)`,
		email, display, tag, hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", ErrEmailTaken
		}
		return "", fmt.Errorf("insert user: %w", err)
	}
	return username, nil
}

// Login verifies credentials and, if a TOTP secret is enrolled, defers full
// authentication to SubmitTOTP by returning LoginNeeds2FA.
func (s *Store) Login(ctx context.Context, email, password, hwid string) (LoginResult, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var display, tag, hash, totpSecret, trustedHWIDs string
	err := s.db.QueryRowContext(ctx,
		`SELECT display, tag, password_hash, totp_secret, trusted_hwids FROM users WHERE email = ?`, email).
		Scan(&display, &tag, &hash, &totpSecret, &trustedHWIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginFail, "", nil
	}
	if err != nil {
		return LoginFail, "", fmt.Errorf("lookup user: %w", err)
	}
	if !credential.VerifyPassword(hash, password) {
		return LoginFail, "", nil
	}
	username := display + "#" + tag
	if totpSecret != "" && !hwidTrusted(trustedHWIDs, hwid) {
		return LoginNeeds2FA, username, nil
	}
	return LoginOk, username, nil
}

// SubmitTOTP completes a Needs2FA login and marks hwid trusted on success.
func (s *Store) SubmitTOTP(ctx context.Context, email, code, hwid string) (bool, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var display, tag, totpSecret, trustedHWIDs string
	err := s.db.QueryRowContext(ctx,
		`SELECT display, tag, totp_secret, trusted_hwids FROM users WHERE email = ?`, email).
		Scan(&display, &tag, &totpSecret, &trustedHWIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("lookup user: %w", err)
	}
	if totpSecret == "" || !credential.VerifyTOTP(totpSecret, code) {
		return false, "", nil
	}
	username := display + "#" + tag
	if hwid != "" {
		updated := appendHWID(trustedHWIDs, hwid)
		if _, err := s.db.ExecContext(ctx, `UPDATE users SET trusted_hwids = ? WHERE email = ?`, updated, email); err != nil {
			slog.Warn("persist trusted hwid", "err", err)
		}
	}
	return true, username, nil
}

// TwoFAEnabled reports whether email has a TOTP secret enrolled, for the
// "2fa_enabled" flag Login_Success carries (§6.3).
func (s *Store) TwoFAEnabled(ctx context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var totpSecret string
	err := s.db.QueryRowContext(ctx, `SELECT totp_secret FROM users WHERE email = ?`, email).Scan(&totpSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return totpSecret != "", nil
}

// ValidateSession re-authenticates from a previously stored credential hash
// without a fresh password round-trip (§4.2 "session reconnection").
func (s *Store) ValidateSession(ctx context.Context, email, passwordHash string) (string, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var display, tag, hash string
	err := s.db.QueryRowContext(ctx, `SELECT display, tag, password_hash FROM users WHERE email = ?`, email).
		Scan(&display, &tag, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup user: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(passwordHash)) != 1 {
		return "", false, nil
	}
	return display + "#" + tag, true, nil
}

func hwidTrusted(csv, hwid string) bool {
	if hwid == "" {
		return false
	}
	for _, h := range strings.Split(csv, ",") {
		if h == hwid {
			return true
		}
	}
	return false
}

func appendHWID(csv, hwid string) string {
	if hwidTrusted(csv, hwid) {
		return csv
	}
	if csv == "" {
		return hwid
	}
	return csv + "," + hwid
}

// CreateServer creates a new server ("guild") owned by username.
func (s *Store) CreateServer(ctx context.Context, username, name string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO servers (id, name, owner) VALUES (?, ?, ?)`, id, name, username); err != nil {
		return "", fmt.Errorf("insert server: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_members (server_id, username, perm_bits) VALUES (?, ?, ?)`,
		id, username, rolePermBits("admin")); err != nil {
		return "", fmt.Errorf("insert owner membership: %w", err)
	}
	return id, nil
}

// JoinServer adds username as a member of serverID.
func (s *Store) JoinServer(ctx context.Context, username, serverID, code string) error {
	var storedCode string
	if err := s.db.QueryRowContext(ctx, `SELECT join_code FROM servers WHERE id = ?`, serverID).Scan(&storedCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup server: %w", err)
	}
	if storedCode != "" && storedCode != code {
		return fmt.Errorf("invalid join code")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_members (server_id, username, perm_bits) VALUES (?, ?, ?)`,
		serverID, username, PermSendMessage)
	return err
}

// ListServers returns the servers username belongs to.
func (s *Store) ListServers(ctx context.Context, username string) ([]ServerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.name FROM servers s JOIN server_members m ON m.server_id = s.id WHERE m.username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []ServerSummary
	for rows.Next() {
		var sv ServerSummary
		if err := rows.Scan(&sv.ID, &sv.Name); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

type ServerSummary struct {
	ID   string
	Name string
}

// CreateChannel creates a new channel under serverID.
func (s *Store) CreateChannel(ctx context.Context, serverID, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO channels (server_id, name) VALUES (?, ?)`, serverID, name)
	if err != nil {
		return 0, fmt.Errorf("insert channel: %w", err)
	}
	return res.LastInsertId()
}

// ChannelServer returns the server a channel belongs to.
func (s *Store) ChannelServer(ctx context.Context, channelID int64) (string, bool, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx, `SELECT server_id FROM channels WHERE id = ?`, channelID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup channel: %w", err)
	}
	return serverID, true, nil
}

// ServerContent returns the channel list of a server.
func (s *Store) ServerContent(ctx context.Context, serverID string) ([]ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slow_mode_seconds FROM channels WHERE server_id = ? ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelSummary
	for rows.Next() {
		var c ChannelSummary
		if err := rows.Scan(&c.ID, &c.Name, &c.SlowModeSeconds); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type ChannelSummary struct {
	ID              int64
	Name            string
	SlowModeSeconds int
}

// ServerMembers returns the usernames belonging to serverID.
func (s *Store) ServerMembers(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM server_members WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Permissions returns the permission bitmask for username in serverID.
func (s *Store) Permissions(ctx context.Context, serverID, username string) (PermBits, error) {
	var bits int64
	err := s.db.QueryRowContext(ctx,
		`SELECT perm_bits FROM server_members WHERE server_id = ? AND username = ?`, serverID, username).Scan(&bits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup permissions: %w", err)
	}
	return PermBits(bits), nil
}

// StoredMessage is the input to SaveMessage.
type StoredMessage struct {
	ChannelID    int64
	Username     string
	Body         string
	AttachmentID string
	ReplyTo      string
}

// SaveMessage persists a chat message and returns its generated id.
// Enforces per-channel slow mode if configured.
func (s *Store) SaveMessage(ctx context.Context, msg StoredMessage, lastMessageAt time.Time) (string, error) {
	var slowMode int
	if err := s.db.QueryRowContext(ctx, `SELECT slow_mode_seconds FROM channels WHERE id = ?`, msg.ChannelID).Scan(&slowMode); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup slow mode: %w", err)
	}
	if slowMode > 0 && !lastMessageAt.IsZero() && time.Since(lastMessageAt) < time.Duration(slowMode)*time.Second {
		return "", ErrChannelLocked
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, username, body, attachment_id, reply_to) VALUES (?, ?, ?, ?, ?, ?)`,
		id, msg.ChannelID, msg.Username, msg.Body, msg.AttachmentID, msg.ReplyTo)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// DeleteMessage soft-deletes a message, authorized only for its author.
// No elevated-permission override exists: the dispatch layer passes the
// caller's username through without consulting Permissions.
func (s *Store) DeleteMessage(ctx context.Context, messageID string, channelID int64, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1 WHERE id = ? AND channel_id = ? AND username = ? AND deleted = 0`,
		messageID, channelID, username)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EditMessage updates the body of a message authored by username.
func (s *Store) EditMessage(ctx context.Context, messageID, username, newBody string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, edited = 1 WHERE id = ? AND username = ? AND deleted = 0`,
		newBody, messageID, username)
	if err != nil {
		return false, fmt.Errorf("edit message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// maxPinnedPerChannel bounds how many messages one channel may have pinned.
const maxPinnedPerChannel = 25

// PinMessage pins a message, bounded at maxPinnedPerChannel per channel.
func (s *Store) PinMessage(ctx context.Context, messageID string, channelID int64) (bool, error) {
	var pinned int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ? AND pinned = 1`, channelID).Scan(&pinned); err != nil {
		return false, fmt.Errorf("count pinned: %w", err)
	}
	if pinned >= maxPinnedPerChannel {
		return false, fmt.Errorf("pin limit reached")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = 1 WHERE id = ? AND channel_id = ?`, messageID, channelID)
	if err != nil {
		return false, fmt.Errorf("pin message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddReaction / RemoveReaction implement the "reactions" surface named in
// §6.5's storage pseudo-signature list.
func (s *Store) AddReaction(ctx context.Context, messageID, username, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions (message_id, username, emoji) VALUES (?, ?, ?)`, messageID, username, emoji)
	return err
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, username, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND username = ? AND emoji = ?`, messageID, username, emoji)
	return err
}

// AddFriend / ListFriends / SendDirectMessage implement the "friends/DMs"
// surface named in §6.5.
func (s *Store) AddFriend(ctx context.Context, a, b string) error {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO friends (username_a, username_b) VALUES (?, ?)`, lo, hi)
	return err
}

func (s *Store) ListFriends(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username_a, username_b FROM friends WHERE username_a = ? OR username_b = ?`, username, username)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		if a == username {
			out = append(out, b)
		} else {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

func (s *Store) SendDirectMessage(ctx context.Context, sender, recipient, body string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO direct_messages (id, sender, recipient, body) VALUES (?, ?, ?, ?)`, id, sender, recipient, body)
	if err != nil {
		return "", fmt.Errorf("insert dm: %w", err)
	}
	return id, nil
}

// SetUserRole / GetUserRole / InsertBan / IsUserBanned / InsertAuditLog /
// SetChannelSlowMode back the admin surface implied by
// Permissions in §6.5 and grounded in the teacher's own admin schema.

// rolePermBits maps a role name to the perm_bits Permissions checks against.
// "member" carries only PermSendMessage; unrecognized roles get the member
// default rather than an error, since a role is a display label first and a
// permission grant second.
func rolePermBits(role string) PermBits {
	switch role {
	case "admin":
		return PermSendMessage | PermManageChannels | PermManageMessages | PermKick | PermBan | PermAdmin
	case "moderator":
		return PermSendMessage | PermManageMessages | PermKick
	default:
		return PermSendMessage
	}
}

// SetUserRole records username's role in serverID and updates their
// server_members.perm_bits to match, so Permissions (and therefore
// requireServerPermission/requireChannelPermission) actually reflects the
// new role instead of reading stale bits from an unrelated table.
func (s *Store) SetUserRole(ctx context.Context, serverID, username, role string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_roles (username, role) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET role = excluded.role`,
		username, role); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO server_members (server_id, username, perm_bits) VALUES (?, ?, ?)
		 ON CONFLICT(server_id, username) DO UPDATE SET perm_bits = excluded.perm_bits`,
		serverID, username, rolePermBits(role)); err != nil {
		return fmt.Errorf("set perm_bits: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetUserRole(ctx context.Context, username string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM user_roles WHERE username = ?`, username).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "member", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup role: %w", err)
	}
	return role, nil
}

func (s *Store) InsertBan(ctx context.Context, username, ip, reason, bannedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans (username, ip, reason, banned_by) VALUES (?, ?, ?, ?)`, username, ip, reason, bannedBy)
	return err
}

func (s *Store) IsUserBanned(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans WHERE username = ?`, username).Scan(&n)
	return n > 0, err
}

func (s *Store) InsertAuditLog(ctx context.Context, actor, action, target, detailsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, target, details_json) VALUES (?, ?, ?, ?)`, actor, action, target, detailsJSON)
	return err
}

func (s *Store) SetChannelSlowMode(ctx context.Context, channelID int64, seconds int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET slow_mode_seconds = ? WHERE id = ?`, seconds, channelID)
	return err
}
