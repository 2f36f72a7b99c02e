// Package store handles database connectivity, migrations, and data access
// for the bridge. It supports both SQLite (default, no external dependencies)
// and PostgreSQL (for larger deployments).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/crossfed/crossfed/internal/models"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string

	// In-memory caches to reduce DB round-trips on the hot receive path.
	objectByCopy sync.Map // copy uri → object id
	userByCopy   sync.Map // copy uri → "protocol\x00id"
}

// Open opens a database connection. The URL can be:
//   - A file path like "crossfed.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode allows multiple concurrent readers alongside one writer.
		// SQLite serialises writers itself; busy_timeout makes that
		// serialisation graceful rather than returning SQLITE_BUSY.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}

		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		protocol          TEXT NOT NULL,
		id                TEXT NOT NULL,
		handle            TEXT NOT NULL DEFAULT '',
		enabled_protocols TEXT NOT NULL DEFAULT '[]',
		obj_id            TEXT NOT NULL DEFAULT '',
		relays_obj_id     TEXT NOT NULL DEFAULT '',
		signing_key       TEXT NOT NULL DEFAULT '',
		rotation_key      TEXT NOT NULL DEFAULT '',
		nostr_priv_key    TEXT NOT NULL DEFAULT '',
		valid_nip05       TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT '',
		created           TEXT NOT NULL,
		updated           TEXT NOT NULL,
		PRIMARY KEY (protocol, id)
	)`,
	`CREATE INDEX IF NOT EXISTS users_handle ON users(protocol, handle)`,
	`CREATE INDEX IF NOT EXISTS users_updated ON users(protocol, updated)`,
	`CREATE TABLE IF NOT EXISTS user_copies (
		protocol      TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		copy_protocol TEXT NOT NULL,
		uri           TEXT NOT NULL,
		UNIQUE (copy_protocol, uri)
	)`,
	`CREATE INDEX IF NOT EXISTS user_copies_user ON user_copies(protocol, user_id)`,
	`CREATE TABLE IF NOT EXISTS objects (
		id              TEXT NOT NULL PRIMARY KEY,
		source_protocol TEXT NOT NULL DEFAULT '',
		bsky            TEXT NOT NULL DEFAULT '',
		nostr           TEXT NOT NULL DEFAULT '',
		raw             TEXT NOT NULL DEFAULT '',
		as1             TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL DEFAULT '',
		created         TEXT NOT NULL,
		updated         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS object_copies (
		object_id     TEXT NOT NULL,
		copy_protocol TEXT NOT NULL,
		uri           TEXT NOT NULL,
		UNIQUE (copy_protocol, uri)
	)`,
	`CREATE INDEX IF NOT EXISTS object_copies_object ON object_copies(object_id)`,
	`CREATE TABLE IF NOT EXISTS followers (
		from_protocol TEXT NOT NULL,
		from_id       TEXT NOT NULL,
		to_protocol   TEXT NOT NULL,
		to_id         TEXT NOT NULL,
		follow_obj_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		created       TEXT NOT NULL,
		UNIQUE (from_protocol, from_id, to_protocol, to_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		host    TEXT NOT NULL,
		stream  TEXT NOT NULL,
		cursor  INTEGER NOT NULL DEFAULT 0,
		created TEXT NOT NULL,
		updated TEXT NOT NULL,
		PRIMARY KEY (host, stream)
	)`,
	`CREATE TABLE IF NOT EXISTS relays (
		url     TEXT NOT NULL PRIMARY KEY,
		since   INTEGER NOT NULL DEFAULT 0,
		updated TEXT NOT NULL
	)`,
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" races on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeFormat is fixed-width so stored timestamps compare correctly as
// strings in SQL (`updated > ?`); RFC3339Nano trims trailing zeros and
// breaks lexicographic ordering at exact seconds.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func now() string { return time.Now().UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// ─── Users ────────────────────────────────────────────────────────────────────

// PutUser upserts a user and replaces its copy targets in one transaction.
// Updated is set to the current time.
func (s *Store) PutUser(u *models.User) error {
	enabled, err := json.Marshal(u.EnabledProtocols)
	if err != nil {
		return err
	}
	if u.Created.IsZero() {
		u.Created = time.Now().UTC()
	}
	u.Updated = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO users (protocol, id, handle, enabled_protocols, obj_id, relays_obj_id,
			signing_key, rotation_key, nostr_priv_key, valid_nip05, status, created, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(protocol, id) DO UPDATE SET
			handle=excluded.handle, enabled_protocols=excluded.enabled_protocols,
			obj_id=excluded.obj_id, relays_obj_id=excluded.relays_obj_id, signing_key=excluded.signing_key,
			rotation_key=excluded.rotation_key, nostr_priv_key=excluded.nostr_priv_key,
			valid_nip05=excluded.valid_nip05, status=excluded.status, updated=excluded.updated`
	} else {
		q = `INSERT INTO users (protocol, id, handle, enabled_protocols, obj_id, relays_obj_id,
			signing_key, rotation_key, nostr_priv_key, valid_nip05, status, created, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT(protocol, id) DO UPDATE SET
			handle=EXCLUDED.handle, enabled_protocols=EXCLUDED.enabled_protocols,
			obj_id=EXCLUDED.obj_id, relays_obj_id=EXCLUDED.relays_obj_id, signing_key=EXCLUDED.signing_key,
			rotation_key=EXCLUDED.rotation_key, nostr_priv_key=EXCLUDED.nostr_priv_key,
			valid_nip05=EXCLUDED.valid_nip05, status=EXCLUDED.status, updated=EXCLUDED.updated`
	}
	if _, err := tx.Exec(q, u.Protocol, u.ID, u.Handle, string(enabled), u.ObjID, u.RelaysObjID,
		string(u.SigningKey), string(u.RotationKey), u.NostrPrivKey, u.ValidNIP05,
		u.Status, u.Created.Format(timeFormat), u.Updated.Format(timeFormat)); err != nil {
		return fmt.Errorf("put user %s %s: %w", u.Protocol, u.ID, err)
	}

	if err := s.replaceCopies(tx, "user_copies",
		[]string{"protocol", "user_id"}, []any{u.Protocol, u.ID}, u.Copies); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for _, c := range u.Copies {
		s.userByCopy.Store(c.URI, u.Protocol+"\x00"+u.ID)
	}
	return nil
}

// GetUser returns the user keyed by (protocol, id), or nil if not found.
func (s *Store) GetUser(protocol, id string) (*models.User, error) {
	q := `SELECT protocol, id, handle, enabled_protocols, obj_id, relays_obj_id, signing_key,
		rotation_key, nostr_priv_key, valid_nip05, status, created, updated
		FROM users WHERE protocol = ` + s.ph(1) + ` AND id = ` + s.ph(2)
	return s.scanUser(s.db.QueryRow(q, protocol, id))
}

// GetUserByHandle returns the first user in protocol with the given handle.
func (s *Store) GetUserByHandle(protocol, handle string) (*models.User, error) {
	q := `SELECT protocol, id, handle, enabled_protocols, obj_id, relays_obj_id, signing_key,
		rotation_key, nostr_priv_key, valid_nip05, status, created, updated
		FROM users WHERE protocol = ` + s.ph(1) + ` AND handle = ` + s.ph(2)
	return s.scanUser(s.db.QueryRow(q, protocol, handle))
}

// FindUserForName looks a user up by handle, handle-as-domain, or native id,
// across all protocols except excludeProtocol. Used by the discovery endpoints.
func (s *Store) FindUserForName(name, excludeProtocol string) (*models.User, error) {
	q := `SELECT protocol, id, handle, enabled_protocols, obj_id, relays_obj_id, signing_key,
		rotation_key, nostr_priv_key, valid_nip05, status, created, updated
		FROM users WHERE protocol != ` + s.ph(1) + `
		AND (handle = ` + s.ph(2) + ` OR id = ` + s.ph(3) + `)`
	u, err := s.scanUser(s.db.QueryRow(q, excludeProtocol, name, name))
	if err != nil || u != nil {
		return u, err
	}

	// handle-as-domain: flatten stored handles and compare in Go. The user
	// set is small enough that a scan per lookup is fine behind the cache
	// headers on the discovery endpoints.
	rows, err := s.db.Query(`SELECT protocol, id, handle, enabled_protocols, obj_id, relays_obj_id,
		signing_key, rotation_key, nostr_priv_key, valid_nip05, status, created, updated
		FROM users WHERE protocol != `+s.ph(1), excludeProtocol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	want := strings.ToLower(name)
	for rows.Next() {
		u, err := s.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		if u.HandleAsDomain() == want {
			return s.attachUserCopies(u)
		}
	}
	return nil, rows.Err()
}

// UsersUpdatedSince returns non-opted-out users in protocol whose updated
// timestamp is strictly after since and who have at least one enabled
// protocol. Feeds the user-set loader.
func (s *Store) UsersUpdatedSince(protocol string, since time.Time) ([]*models.User, error) {
	q := `SELECT protocol, id, handle, enabled_protocols, obj_id, relays_obj_id, signing_key,
		rotation_key, nostr_priv_key, valid_nip05, status, created, updated
		FROM users WHERE protocol = ` + s.ph(1) + ` AND status = ''
		AND enabled_protocols != '[]' AND updated > ` + s.ph(2)
	rows, err := s.db.Query(q, protocol, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*models.User
	for rows.Next() {
		u, err := s.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		if _, err := s.attachUserCopies(u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserForCopy returns the user owning the given shadow identity URI.
func (s *Store) UserForCopy(uri string) (*models.User, error) {
	if v, ok := s.userByCopy.Load(uri); ok {
		proto, id, _ := strings.Cut(v.(string), "\x00")
		return s.GetUser(proto, id)
	}
	var proto, id string
	err := s.db.QueryRow(`SELECT protocol, user_id FROM user_copies WHERE uri = `+s.ph(1), uri).
		Scan(&proto, &id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.userByCopy.Store(uri, proto+"\x00"+id)
	return s.GetUser(proto, id)
}

func (s *Store) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	var enabled, signing, rotation, created, updated string
	err := row.Scan(&u.Protocol, &u.ID, &u.Handle, &enabled, &u.ObjID, &u.RelaysObjID,
		&signing, &rotation, &u.NostrPrivKey, &u.ValidNIP05, &u.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.fillUser(u, enabled, signing, rotation, created, updated)
	return s.attachUserCopies(u)
}

func (s *Store) scanUserRows(rows *sql.Rows) (*models.User, error) {
	u := &models.User{}
	var enabled, signing, rotation, created, updated string
	if err := rows.Scan(&u.Protocol, &u.ID, &u.Handle, &enabled, &u.ObjID, &u.RelaysObjID,
		&signing, &rotation, &u.NostrPrivKey, &u.ValidNIP05, &u.Status, &created, &updated); err != nil {
		return nil, err
	}
	s.fillUser(u, enabled, signing, rotation, created, updated)
	return u, nil
}

func (s *Store) fillUser(u *models.User, enabled, signing, rotation, created, updated string) {
	json.Unmarshal([]byte(enabled), &u.EnabledProtocols)
	u.SigningKey = []byte(signing)
	u.RotationKey = []byte(rotation)
	u.Created = parseTime(created)
	u.Updated = parseTime(updated)
}

func (s *Store) attachUserCopies(u *models.User) (*models.User, error) {
	rows, err := s.db.Query(`SELECT copy_protocol, uri FROM user_copies
		WHERE protocol = `+s.ph(1)+` AND user_id = `+s.ph(2), u.Protocol, u.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	u.Copies = nil
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.Protocol, &t.URI); err != nil {
			return nil, err
		}
		u.Copies = append(u.Copies, t)
	}
	return u, rows.Err()
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// PutObject upserts an object and replaces its copy targets in one transaction.
func (s *Store) PutObject(o *models.Object) error {
	if o.Created.IsZero() {
		o.Created = time.Now().UTC()
	}
	o.Updated = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO objects (id, source_protocol, bsky, nostr, raw, as1, type, created, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			source_protocol=excluded.source_protocol, bsky=excluded.bsky,
			nostr=excluded.nostr, raw=excluded.raw, as1=excluded.as1,
			type=excluded.type, updated=excluded.updated`
	} else {
		q = `INSERT INTO objects (id, source_protocol, bsky, nostr, raw, as1, type, created, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(id) DO UPDATE SET
			source_protocol=EXCLUDED.source_protocol, bsky=EXCLUDED.bsky,
			nostr=EXCLUDED.nostr, raw=EXCLUDED.raw, as1=EXCLUDED.as1,
			type=EXCLUDED.type, updated=EXCLUDED.updated`
	}
	if _, err := tx.Exec(q, o.ID, o.SourceProtocol, string(o.Bsky), string(o.Nostr),
		string(o.Raw), string(o.AS1), o.Type,
		o.Created.Format(timeFormat), o.Updated.Format(timeFormat)); err != nil {
		return fmt.Errorf("put object %s: %w", o.ID, err)
	}

	if err := s.replaceCopies(tx, "object_copies",
		[]string{"object_id"}, []any{o.ID}, o.Copies); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for _, c := range o.Copies {
		s.objectByCopy.Store(c.URI, o.ID)
	}
	return nil
}

// GetObject returns the object with the given canonical URI, or nil.
func (s *Store) GetObject(id string) (*models.Object, error) {
	o := &models.Object{}
	var bsky, nostr, raw, as1, created, updated string
	err := s.db.QueryRow(`SELECT id, source_protocol, bsky, nostr, raw, as1, type, created, updated
		FROM objects WHERE id = `+s.ph(1), id).
		Scan(&o.ID, &o.SourceProtocol, &bsky, &nostr, &raw, &as1, &o.Type, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	o.Bsky = rawOrNil(bsky)
	o.Nostr = rawOrNil(nostr)
	o.Raw = rawOrNil(raw)
	o.AS1 = rawOrNil(as1)
	o.Created = parseTime(created)
	o.Updated = parseTime(updated)

	rows, err := s.db.Query(`SELECT copy_protocol, uri FROM object_copies WHERE object_id = `+s.ph(1), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.Protocol, &t.URI); err != nil {
			return nil, err
		}
		o.Copies = append(o.Copies, t)
	}
	return o, rows.Err()
}

// ObjectForCopy returns the object that has the given copy URI, or nil.
func (s *Store) ObjectForCopy(uri string) (*models.Object, error) {
	if v, ok := s.objectByCopy.Load(uri); ok {
		return s.GetObject(v.(string))
	}
	var id string
	err := s.db.QueryRow(`SELECT object_id FROM object_copies WHERE uri = `+s.ph(1), uri).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.objectByCopy.Store(uri, id)
	return s.GetObject(id)
}

// DeleteObject removes an object, its copies, and the cache entries.
func (s *Store) DeleteObject(id string) error {
	o, err := s.GetObject(id)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM objects WHERE id = `+s.ph(1), id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM object_copies WHERE object_id = `+s.ph(1), id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if o != nil {
		for _, c := range o.Copies {
			s.objectByCopy.Delete(c.URI)
		}
	}
	return nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// ─── Followers ────────────────────────────────────────────────────────────────

// AddFollower records a follow edge. Existing edges are updated in place so a
// re-follow refreshes the follow activity reference and clears the status.
func (s *Store) AddFollower(f *models.Follower) error {
	if f.Created.IsZero() {
		f.Created = time.Now().UTC()
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO followers (from_protocol, from_id, to_protocol, to_id, follow_obj_id, status, created)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_protocol, from_id, to_protocol, to_id) DO UPDATE SET
			follow_obj_id=excluded.follow_obj_id, status=excluded.status`
	} else {
		q = `INSERT INTO followers (from_protocol, from_id, to_protocol, to_id, follow_obj_id, status, created)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT(from_protocol, from_id, to_protocol, to_id) DO UPDATE SET
			follow_obj_id=EXCLUDED.follow_obj_id, status=EXCLUDED.status`
	}
	_, err := s.db.Exec(q, f.FromProtocol, f.FromID, f.ToProtocol, f.ToID,
		f.FollowObjID, f.Status, f.Created.Format(timeFormat))
	return err
}

// GetFollower returns the follow edge from (fromProtocol, fromID) to
// (toProtocol, toID), or nil.
func (s *Store) GetFollower(fromProtocol, fromID, toProtocol, toID string) (*models.Follower, error) {
	f := &models.Follower{}
	var created string
	err := s.db.QueryRow(`SELECT from_protocol, from_id, to_protocol, to_id, follow_obj_id, status, created
		FROM followers WHERE from_protocol = `+s.ph(1)+` AND from_id = `+s.ph(2)+`
		AND to_protocol = `+s.ph(3)+` AND to_id = `+s.ph(4),
		fromProtocol, fromID, toProtocol, toID).
		Scan(&f.FromProtocol, &f.FromID, &f.ToProtocol, &f.ToID, &f.FollowObjID, &f.Status, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	f.Created = parseTime(created)
	return f, nil
}

// RemoveFollower marks a follow edge inactive.
func (s *Store) RemoveFollower(fromProtocol, fromID, toProtocol, toID string) error {
	_, err := s.db.Exec(`UPDATE followers SET status = 'inactive'
		WHERE from_protocol = `+s.ph(1)+` AND from_id = `+s.ph(2)+`
		AND to_protocol = `+s.ph(3)+` AND to_id = `+s.ph(4),
		fromProtocol, fromID, toProtocol, toID)
	return err
}

// ─── Cursors ──────────────────────────────────────────────────────────────────

// GetCursor returns the stored cursor for (host, stream), or zero if none.
func (s *Store) GetCursor(host, stream string) (int64, error) {
	var c int64
	err := s.db.QueryRow(`SELECT cursor FROM cursors WHERE host = `+s.ph(1)+` AND stream = `+s.ph(2),
		host, stream).Scan(&c)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return c, err
}

// SetCursor upserts the cursor for (host, stream). Callers are responsible
// for bounding write rate; the store itself accepts every call.
func (s *Store) SetCursor(host, stream string, cursor int64) error {
	ts := now()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO cursors (host, stream, cursor, created, updated) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(host, stream) DO UPDATE SET cursor=excluded.cursor, updated=excluded.updated`
	} else {
		q = `INSERT INTO cursors (host, stream, cursor, created, updated) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT(host, stream) DO UPDATE SET cursor=EXCLUDED.cursor, updated=EXCLUDED.updated`
	}
	_, err := s.db.Exec(q, host, stream, cursor, ts, ts)
	return err
}

// ─── Relays ───────────────────────────────────────────────────────────────────

// PutRelay upserts a relay row, keeping the max of the stored and given since.
func (s *Store) PutRelay(r *models.Relay) error {
	ts := now()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO relays (url, since, updated) VALUES (?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
			since=MAX(since, excluded.since), updated=excluded.updated`
	} else {
		q = `INSERT INTO relays (url, since, updated) VALUES ($1, $2, $3)
			ON CONFLICT(url) DO UPDATE SET
			since=GREATEST(relays.since, EXCLUDED.since), updated=EXCLUDED.updated`
	}
	_, err := s.db.Exec(q, r.URL, r.Since, ts)
	return err
}

// GetRelay returns the relay row for url, or nil.
func (s *Store) GetRelay(url string) (*models.Relay, error) {
	r := &models.Relay{}
	var updated string
	err := s.db.QueryRow(`SELECT url, since, updated FROM relays WHERE url = `+s.ph(1), url).
		Scan(&r.URL, &r.Since, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	r.Updated = parseTime(updated)
	return r, nil
}

// Relays returns all known relay URLs.
func (s *Store) Relays() ([]string, error) {
	rows, err := s.db.Query(`SELECT url FROM relays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *Store) replaceCopies(tx *sql.Tx, table string, keyCols []string, keyVals []any, copies []models.Target) error {
	where := make([]string, len(keyCols))
	for i, c := range keyCols {
		where[i] = c + " = " + s.ph(i+1)
	}
	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE `+strings.Join(where, " AND "), keyVals...); err != nil {
		return err
	}
	n := len(keyVals)
	cols := strings.Join(append(append([]string{}, keyCols...), "copy_protocol", "uri"), ", ")
	for _, c := range copies {
		args := append(append([]any{}, keyVals...), c.Protocol, c.URI)
		phs := make([]string, n+2)
		for i := range phs {
			phs[i] = s.ph(i + 1)
		}
		if _, err := tx.Exec(`INSERT INTO `+table+` (`+cols+`) VALUES (`+strings.Join(phs, ", ")+`)`,
			args...); err != nil {
			return err
		}
	}
	return nil
}

// ph returns the SQL placeholder token for argument position n.
// SQLite uses ? and PostgreSQL uses $n.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
