// Package journal records the outcome of firmware updates in a SQL database.
//
// Two drivers are supported: an embedded SQLite file for a single bench and
// a shared MySQL server for a production line.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary

	"github.com/ardnew/softdfu/host/class/dfu"
	"github.com/ardnew/softdfu/pkg"
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// ErrNotFound is returned when no recorded update matches a query.
var ErrNotFound = errors.New("journal: no matching update")

// pingTimeout bounds the server connectivity check and schema creation in
// Open. It does not apply to the embedded sqlite engine.
var pingTimeout = 5 * time.Second

// Entry is one recorded update attempt.
type Entry struct {
	Started   time.Time
	VendorID  uint16
	ProductID uint16
	Serial    string
	ImageHash string // Hex SHA-256 of the image
	ImageSize int
	Blocks    int
	State     string // Updater state the session ended in
	Error     string // Empty on success
	Duration  time.Duration
}

// OK reports whether the entry records a successful update.
func (e Entry) OK() bool {
	return e.Error == ""
}

// ImageHash returns the hex SHA-256 of image.
func ImageHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// NewEntry builds an entry from a finished session.
func NewEntry(r dfu.Result, image []byte, vendorID, productID uint16, serial string) Entry {
	e := Entry{
		Started:   r.Started,
		VendorID:  vendorID,
		ProductID: productID,
		Serial:    serial,
		ImageHash: ImageHash(image),
		ImageSize: len(image),
		Blocks:    r.Blocks,
		State:     r.State.String(),
		Duration:  r.Duration,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

// DB is an update journal.
type DB struct {
	db     *sql.DB
	driver string
}

// Open opens the journal with the given driver and data source, creating
// the schema if needed. For DriverSQLite the data source is a file path.
func Open(driverName, dsn string) (*DB, error) {
	var db *sql.DB
	ctx := context.Background()

	switch driverName {
	case DriverSQLite:
		connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(dsn) + "?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("journal: could not create sqlite connector: %w", err)
		}
		db = sql.OpenDB(connector)
		// SQLite serializes writers
		db.SetMaxOpenConns(1)

	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("journal: invalid mysql dsn: %w", err)
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("journal: could not create mysql connector: %w", err)
		}
		db = sql.OpenDB(connector)

		if err := ping(db); err != nil {
			db.Close()
			return nil, err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()

	default:
		return nil, fmt.Errorf("journal: driver %q: %w", driverName, pkg.ErrNotSupported)
	}

	j := &DB{db: db, driver: driverName}
	if err := j.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentJournal, "journal opened", "driver", driverName)
	return j, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal: could not ping db: %w", err)
	}
	return nil
}

// init creates the schema. It does not recognize tables created with a
// different schema.
func (j *DB) init(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS updates
		( started     BIGINT       NOT NULL
		, vendor_id   INTEGER      NOT NULL
		, product_id  INTEGER      NOT NULL
		, serial      VARCHAR(255) NOT NULL
		, image_hash  CHAR(64)     NOT NULL
		, image_size  INTEGER      NOT NULL
		, blocks      INTEGER      NOT NULL
		, state       VARCHAR(32)  NOT NULL
		, error       TEXT         NOT NULL
		, duration_ns BIGINT       NOT NULL
		)`

	if _, err := j.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("journal: could not create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *DB) Close() error {
	return j.db.Close()
}

// Driver returns the driver the journal was opened with.
func (j *DB) Driver() string {
	return j.driver
}

// Record appends e to the journal.
func (j *DB) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO updates
			(started, vendor_id, product_id, serial, image_hash, image_size, blocks, state, error, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Started.UnixNano(), int64(e.VendorID), int64(e.ProductID), e.Serial, e.ImageHash,
		e.ImageSize, e.Blocks, e.State, e.Error, int64(e.Duration),
	)
	if err != nil {
		return fmt.Errorf("journal: could not record update: %w", err)
	}

	pkg.LogDebug(pkg.ComponentJournal, "update recorded",
		"serial", e.Serial,
		"state", e.State)
	return nil
}

// Recent returns up to n entries, newest first.
func (j *DB) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, pkg.ErrInvalidParameter
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT started, vendor_id, product_id, serial, image_hash, image_size, blocks, state, error, duration_ns
			FROM updates
			ORDER BY started DESC
			LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: could not query updates: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			started  int64
			duration int64
		)
		if err := rows.Scan(&started, &e.VendorID, &e.ProductID, &e.Serial, &e.ImageHash,
			&e.ImageSize, &e.Blocks, &e.State, &e.Error, &duration); err != nil {
			return nil, fmt.Errorf("journal: could not scan update: %w", err)
		}
		e.Started = time.Unix(0, started)
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: could not read updates: %w", err)
	}
	return entries, nil
}

// LastSuccess returns the most recent successful update of the device with
// the given serial. Returns ErrNotFound if none is recorded.
func (j *DB) LastSuccess(ctx context.Context, serial string) (Entry, error) {
	var (
		e        Entry
		started  int64
		duration int64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT started, vendor_id, product_id, serial, image_hash, image_size, blocks, state, error, duration_ns
			FROM updates
			WHERE serial = ? AND error = ''
			ORDER BY started DESC
			LIMIT 1`, serial).
		Scan(&started, &e.VendorID, &e.ProductID, &e.Serial, &e.ImageHash,
			&e.ImageSize, &e.Blocks, &e.State, &e.Error, &duration)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, ErrNotFound
	case err != nil:
		return Entry{}, fmt.Errorf("journal: could not query updates: %w", err)
	}
	e.Started = time.Unix(0, started)
	e.Duration = time.Duration(duration)
	return e, nil
}
