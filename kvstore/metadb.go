package kvstore

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	radix "github.com/armon/go-radix"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	sqlite "modernc.org/sqlite"
)

const (
	dbFilename = "manifest.sqlite"

	// Reopen gate: after repeated open failures, further attempts are
	// refused until the retry window elapses.
	openRetryLimit    = 8
	openRetryInterval = 2 * time.Second

	// close retries on transient busy/locked errors
	closeRetryLimit = 10
	closeRetryDelay = 10 * time.Millisecond
)

// schemaSQL is applied statement by statement on every successful open.
var schemaSQL = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA synchronous = NORMAL;`,
	`CREATE TABLE IF NOT EXISTS manifest (
  key               TEXT PRIMARY KEY,
  filename          TEXT,
  size              INTEGER,
  inline_data       BLOB,
  modification_time INTEGER,
  last_access_time  INTEGER,
  extended_data     BLOB);`,
	`CREATE INDEX IF NOT EXISTS last_access_time_idx ON manifest(last_access_time);`,
}

// metaDB owns the manifest database and a prepared-statement cache keyed by
// exact SQL text. Statements whose text varies per call (IN clauses) bypass
// the cache. metaDB is not safe for concurrent use, matching its owner.
type metaDB struct {
	path string
	db   *sql.DB
	// stmts maps SQL text to *sql.Stmt.
	stmts *radix.Tree
	log   *logrus.Entry

	openFails    int
	lastOpenFail time.Time
}

func newMetaDB(path string, log *logrus.Entry) *metaDB {
	return &metaDB{
		path:  path,
		stmts: radix.New(),
		log:   log,
	}
}

// gated reports whether the reopen back-off refuses another open attempt.
func (m *metaDB) gated() bool {
	return m.openFails >= openRetryLimit &&
		time.Since(m.lastOpenFail) < openRetryInterval
}

// open lazily opens the database and applies the schema. While gated, it
// fails fast with ErrDBUnavailable. A successful open resets the gate.
func (m *metaDB) open() error {
	if m.db != nil {
		return nil
	}
	if m.gated() {
		return ErrDBUnavailable
	}
	db, err := sql.Open("sqlite", m.path)
	if err == nil {
		// A single connection keeps statement and transaction state
		// deterministic for this serial-use store.
		db.SetMaxOpenConns(1)
		for _, stmt := range schemaSQL {
			if _, err = db.Exec(stmt); err != nil {
				_ = db.Close()
				break
			}
		}
	}
	if err != nil {
		m.openFails++
		m.lastOpenFail = time.Now()
		m.log.WithError(err).WithField("attempts", m.openFails).Error("cannot open manifest db")
		return errors.Wrap(err, "open manifest db")
	}
	m.db = db
	m.openFails = 0
	m.lastOpenFail = time.Time{}
	return nil
}

// stmt returns the cached prepared statement for query, preparing it on the
// first use. database/sql resets statement state between executions, so a
// cached statement is always reusable.
func (m *metaDB) stmt(query string) (*sql.Stmt, error) {
	if err := m.open(); err != nil {
		return nil, err
	}
	if v, ok := m.stmts.Get(query); ok {
		return v.(*sql.Stmt), nil
	}
	s, err := m.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(err, "prepare statement")
	}
	m.stmts.Insert(query, s)
	return s, nil
}

// isBusy reports transient SQLITE_BUSY / SQLITE_LOCKED errors.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6:
			return true
		}
	}
	return false
}

// close finalizes every cached statement, then closes the connection,
// retrying while the database reports busy/locked.
func (m *metaDB) close() {
	if m.db == nil {
		return
	}
	m.stmts.Walk(func(_ string, v interface{}) bool {
		if err := v.(*sql.Stmt).Close(); err != nil {
			m.log.WithError(err).Debug("statement close failed")
		}
		return false
	})
	m.stmts = radix.New()
	for i := 0; ; i++ {
		err := m.db.Close()
		if err == nil || !isBusy(err) || i >= closeRetryLimit {
			if err != nil {
				m.log.WithError(err).Warn("manifest db close failed")
			}
			break
		}
		time.Sleep(closeRetryDelay)
	}
	m.db = nil
}

func unixNow() int64 {
	return time.Now().Unix()
}

// upsert writes or replaces the manifest row for key. Inline bytes are bound
// only when no filename is supplied.
func (m *metaDB) upsert(key, filename string, size int, inline, extended []byte) error {
	s, err := m.stmt(`INSERT OR REPLACE INTO manifest
  (key, filename, size, inline_data, modification_time, last_access_time, extended_data)
  VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7);`)
	if err != nil {
		return err
	}
	now := unixNow()
	var fn interface{}
	var blob interface{}
	if filename != "" {
		fn = filename
	} else {
		blob = inline
	}
	_, err = s.Exec(key, fn, size, blob, now, now, extended)
	return errors.Wrap(err, "upsert manifest row")
}

func (m *metaDB) updateAccessTime(key string) error {
	s, err := m.stmt(`UPDATE manifest SET last_access_time = ?1 WHERE key = ?2;`)
	if err != nil {
		return err
	}
	_, err = s.Exec(unixNow(), key)
	return errors.Wrap(err, "update access time")
}

func (m *metaDB) updateAccessTimes(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := m.open(); err != nil {
		return err
	}
	// Variable-arity IN clause: prepared per call, never cached.
	query := `UPDATE manifest SET last_access_time = ?1 WHERE key IN (` + placeholders(len(keys), 2) + `);`
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, unixNow())
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := m.db.Exec(query, args...)
	return errors.Wrap(err, "update access times")
}

func (m *metaDB) deleteItem(key string) error {
	s, err := m.stmt(`DELETE FROM manifest WHERE key = ?1;`)
	if err != nil {
		return err
	}
	_, err = s.Exec(key)
	return errors.Wrap(err, "delete manifest row")
}

func (m *metaDB) deleteItems(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := m.open(); err != nil {
		return err
	}
	query := `DELETE FROM manifest WHERE key IN (` + placeholders(len(keys), 1) + `);`
	_, err := m.db.Exec(query, keysToArgs(keys)...)
	return errors.Wrap(err, "delete manifest rows")
}

func (m *metaDB) deleteLargerThan(size int) error {
	s, err := m.stmt(`DELETE FROM manifest WHERE size > ?1;`)
	if err != nil {
		return err
	}
	_, err = s.Exec(size)
	return errors.Wrap(err, "delete rows larger than")
}

func (m *metaDB) deleteEarlierThan(ts int64) error {
	s, err := m.stmt(`DELETE FROM manifest WHERE last_access_time < ?1;`)
	if err != nil {
		return err
	}
	_, err = s.Exec(ts)
	return errors.Wrap(err, "delete rows earlier than")
}

func scanItem(scan func(dest ...interface{}) error, withInline bool) (*Item, error) {
	var (
		it       Item
		filename sql.NullString
		size     sql.NullInt64
		mod, acc sql.NullInt64
	)
	var err error
	if withInline {
		err = scan(&it.Key, &filename, &size, &it.Value, &mod, &acc, &it.Extended)
	} else {
		err = scan(&it.Key, &filename, &size, &mod, &acc, &it.Extended)
	}
	if err != nil {
		return nil, err
	}
	it.Filename = filename.String
	it.Size = int(size.Int64)
	it.ModTime = mod.Int64
	it.AccessTime = acc.Int64
	return &it, nil
}

const (
	itemColsInline = `key, filename, size, inline_data, modification_time, last_access_time, extended_data`
	itemColsInfo   = `key, filename, size, modification_time, last_access_time, extended_data`
)

// getItem returns the row for key, or (nil, nil) when absent. withInline
// skips the inline blob column entirely when false.
func (m *metaDB) getItem(key string, withInline bool) (*Item, error) {
	cols := itemColsInfo
	if withInline {
		cols = itemColsInline
	}
	s, err := m.stmt(`SELECT ` + cols + ` FROM manifest WHERE key = ?1;`)
	if err != nil {
		return nil, err
	}
	it, err := scanItem(s.QueryRow(key).Scan, withInline)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query manifest row")
	}
	return it, nil
}

func (m *metaDB) getItems(keys []string, withInline bool) ([]*Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := m.open(); err != nil {
		return nil, err
	}
	cols := itemColsInfo
	if withInline {
		cols = itemColsInline
	}
	query := `SELECT ` + cols + ` FROM manifest WHERE key IN (` + placeholders(len(keys), 1) + `);`
	rows, err := m.db.Query(query, keysToArgs(keys)...)
	if err != nil {
		return nil, errors.Wrap(err, "query manifest rows")
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows.Scan, withInline)
		if err != nil {
			return nil, errors.Wrap(err, "scan manifest row")
		}
		items = append(items, it)
	}
	return items, errors.Wrap(rows.Err(), "iterate manifest rows")
}

// getFilename returns the external filename for key, or "" when the row is
// absent or the value is inline.
func (m *metaDB) getFilename(key string) (string, error) {
	s, err := m.stmt(`SELECT filename FROM manifest WHERE key = ?1;`)
	if err != nil {
		return "", err
	}
	var filename sql.NullString
	err = s.QueryRow(key).Scan(&filename)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "query filename")
	}
	return filename.String, nil
}

func (m *metaDB) getFilenames(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := m.open(); err != nil {
		return nil, err
	}
	// Variable-arity IN clause: never routed through the statement cache.
	query := `SELECT filename FROM manifest WHERE key IN (` + placeholders(len(keys), 1) + `);`
	rows, err := m.db.Query(query, keysToArgs(keys)...)
	if err != nil {
		return nil, errors.Wrap(err, "query filenames")
	}
	return scanFilenames(rows)
}

func (m *metaDB) getFilenamesLargerThan(size int) ([]string, error) {
	s, err := m.stmt(`SELECT filename FROM manifest WHERE size > ?1;`)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(size)
	if err != nil {
		return nil, errors.Wrap(err, "query filenames")
	}
	return scanFilenames(rows)
}

func (m *metaDB) getFilenamesEarlierThan(ts int64) ([]string, error) {
	s, err := m.stmt(`SELECT filename FROM manifest WHERE last_access_time < ?1;`)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(ts)
	if err != nil {
		return nil, errors.Wrap(err, "query filenames")
	}
	return scanFilenames(rows)
}

// scanFilenames collects non-empty filename values and closes rows.
func scanFilenames(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var filenames []string
	for rows.Next() {
		var fn sql.NullString
		if err := rows.Scan(&fn); err != nil {
			return nil, errors.Wrap(err, "scan filename")
		}
		if fn.String != "" {
			filenames = append(filenames, fn.String)
		}
	}
	return filenames, errors.Wrap(rows.Err(), "iterate filenames")
}

// getOldest returns up to n rows ordered by last access, oldest first.
// Values are not loaded; callers only need key, filename and size.
func (m *metaDB) getOldest(n int) ([]*Item, error) {
	s, err := m.stmt(`SELECT key, filename, size FROM manifest ORDER BY last_access_time ASC LIMIT ?1;`)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(n)
	if err != nil {
		return nil, errors.Wrap(err, "query oldest rows")
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		var (
			it       Item
			filename sql.NullString
			size     sql.NullInt64
		)
		if err := rows.Scan(&it.Key, &filename, &size); err != nil {
			return nil, errors.Wrap(err, "scan oldest row")
		}
		it.Filename = filename.String
		it.Size = int(size.Int64)
		items = append(items, &it)
	}
	return items, errors.Wrap(rows.Err(), "iterate oldest rows")
}

func (m *metaDB) countAll() (int, error) {
	return m.scalarInt(`SELECT count(*) FROM manifest;`)
}

func (m *metaDB) countKey(key string) (int, error) {
	s, err := m.stmt(`SELECT count(key) FROM manifest WHERE key = ?1;`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.QueryRow(key).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count key")
	}
	return n, nil
}

func (m *metaDB) sumSize() (int, error) {
	return m.scalarInt(`SELECT ifnull(sum(size), 0) FROM manifest;`)
}

func (m *metaDB) scalarInt(query string) (int, error) {
	s, err := m.stmt(query)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.QueryRow().Scan(&n); err != nil {
		return 0, errors.Wrap(err, "scalar query")
	}
	return n, nil
}

// checkpoint folds the WAL back into the main database file, bounding
// on-disk growth after bulk deletions.
func (m *metaDB) checkpoint() error {
	if err := m.open(); err != nil {
		return err
	}
	_, err := m.db.Exec(`PRAGMA wal_checkpoint(PASSIVE);`)
	return errors.Wrap(err, "wal checkpoint")
}

// placeholders renders n numbered parameters starting at position from,
// e.g. "?2,?3,?4" for n=3, from=2.
func placeholders(n, from int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		b.WriteString(strconv.Itoa(from + i))
	}
	return b.String()
}

func keysToArgs(keys []string) []interface{} {
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
