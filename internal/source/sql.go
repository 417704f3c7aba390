package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"example.com/availmon/internal/records"
	_ "github.com/jackc/pgx/v5/stdlib"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	DefaultTable = "status_samples"
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource reads samples from a single table:
//
//	seq          insertion order, breaks ties between samples with the same ts
//	component_id
//	ts           unix seconds
//	status       raw status text, parsed with records.ParseStatus
type SQLSource struct {
	DB *sql.DB
	// Driver selects the SQL dialect, DriverSQLite or DriverPostgres.
	Driver string
	Table  string
}

// OpenSQL opens and pings a database for one of the supported drivers.
func OpenSQL(ctx context.Context, driver, dsn, table string) (*SQLSource, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s database: %w", ErrSourceUnavailable, driver, err)
	}
	if driver == DriverSQLite {
		// In-memory databases are per-connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging %s database: %w", ErrSourceUnavailable, driver, err)
	}
	return &SQLSource{DB: db, Driver: driver, Table: table}, nil
}

func (s *SQLSource) Close() error {
	return s.DB.Close()
}

func (s *SQLSource) placeholder(n int) string {
	if s.Driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLSource) table() (string, error) {
	t := s.Table
	if t == "" {
		t = DefaultTable
	}
	if !tableNameRE.MatchString(t) {
		return "", fmt.Errorf("invalid table name %q", t)
	}
	return t, nil
}

// EnsureSchema creates the samples table and its index if they do not exist.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	table, err := s.table()
	if err != nil {
		return err
	}
	seqCol := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.Driver == DriverPostgres {
		seqCol = "seq BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	component_id TEXT NOT NULL,
	ts BIGINT NOT NULL,
	status TEXT
)`, table, seqCol),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_component_ts ON %s (component_id, ts)`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: creating schema: %w", ErrSourceUnavailable, err)
		}
	}
	return nil
}

func (s *SQLSource) Append(ctx context.Context, sample records.Sample) error {
	table, err := s.table()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (component_id, ts, status) VALUES (%s, %s, %s)",
		table, s.placeholder(1), s.placeholder(2), s.placeholder(3))
	status := "0"
	if sample.Status == records.Up {
		status = "1"
	}
	if _, err := s.DB.ExecContext(ctx, query, sample.ComponentID, sample.Timestamp.Unix(), status); err != nil {
		return fmt.Errorf("%w: inserting sample: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Snapshot reads every stored sample in one query.
func (s *SQLSource) Snapshot(ctx context.Context, _ time.Time) (Snapshot, error) {
	return s.snapshot(ctx, s.DB)
}

// Segments builds segments in the database: duplicates at the same ts keep the latest
// insert, and each row ends where the next one starts (LEAD), or at now.
func (s *SQLSource) Segments(ctx context.Context, now time.Time) (map[string][]records.Segment, error) {
	return s.segments(ctx, s.DB, now)
}

// SnapshotSegments reads the samples and the database-built segments inside one
// transaction, so samples appended meanwhile show up in neither.
func (s *SQLSource) SnapshotSegments(ctx context.Context, now time.Time) (Snapshot, map[string][]records.Segment, error) {
	// sqlite runs on a single connection, so the transaction already excludes writers.
	// Postgres needs repeatable read for both statements to share one snapshot.
	var opts *sql.TxOptions
	if s.Driver == DriverPostgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.DB.BeginTx(ctx, opts)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("%w: beginning read transaction: %w", ErrSourceUnavailable, err)
	}
	defer tx.Rollback()

	snap, err := s.snapshot(ctx, tx)
	if err != nil {
		return Snapshot{}, nil, err
	}
	segments, err := s.segments(ctx, tx, now)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, segments, nil
}

func (s *SQLSource) snapshot(ctx context.Context, q queryer) (Snapshot, error) {
	log := logf.FromContext(ctx).WithName("sql-source")

	table, err := s.table()
	if err != nil {
		return Snapshot{}, err
	}
	query := fmt.Sprintf("SELECT component_id, ts, status FROM %s ORDER BY component_id, ts, seq", table)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: querying samples: %w", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	snap := NewSnapshot()
	for rows.Next() {
		var (
			id     string
			ts     int64
			status sql.NullString
		)
		if err := rows.Scan(&id, &ts, &status); err != nil {
			return Snapshot{}, fmt.Errorf("%w: scanning sample: %w", ErrSourceUnavailable, err)
		}
		st, ok := records.ParseStatus(status.String)
		if !ok {
			log.V(1).Info("unreadable status", "component", id, "ts", ts, "raw", status.String)
		}
		snap.Add(records.Sample{
			ComponentID: id,
			Timestamp:   time.Unix(ts, 0).UTC(),
			Status:      st,
			Corrupt:     !ok,
		})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: reading samples: %w", ErrSourceUnavailable, err)
	}
	snap.Sort()
	log.V(3).Info("read snapshot", "components", len(snap.Order))
	return snap, nil
}

func (s *SQLSource) segments(ctx context.Context, q queryer, now time.Time) (map[string][]records.Segment, error) {
	table, err := s.table()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`WITH dedup AS (
	SELECT component_id, ts, status,
		ROW_NUMBER() OVER (PARTITION BY component_id, ts ORDER BY seq DESC) AS rn
	FROM %s
	WHERE ts < %s
)
SELECT component_id, ts, LEAD(ts) OVER (PARTITION BY component_id ORDER BY ts) AS next_ts, status
FROM dedup
WHERE rn = 1
ORDER BY component_id, ts`, table, s.placeholder(1))

	rows, err := q.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: querying segments: %w", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	out := map[string][]records.Segment{}
	for rows.Next() {
		var (
			id     string
			ts     int64
			next   sql.NullInt64
			status sql.NullString
		)
		if err := rows.Scan(&id, &ts, &next, &status); err != nil {
			return nil, fmt.Errorf("%w: scanning segment: %w", ErrSourceUnavailable, err)
		}
		end := now
		if next.Valid {
			end = time.Unix(next.Int64, 0).UTC()
		}
		st, _ := records.ParseStatus(status.String)
		out[id] = append(out[id], records.Segment{
			ComponentID: id,
			Start:       time.Unix(ts, 0).UTC(),
			End:         end,
			Status:      st,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading segments: %w", ErrSourceUnavailable, err)
	}
	return out, nil
}
