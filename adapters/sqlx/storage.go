package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"statboard/core"
	"statboard/engine"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

func init() {
	sqlx.BindDriver(string(DriverSQLite), sqlx.QUESTION)
}

// Config holds SQL connection configuration
type Config struct {
	Driver          Driver        `json:"driver" env:"STATBOARD_SQL_DRIVER"`
	DSN             string        `json:"dsn" env:"STATBOARD_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"STATBOARD_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"STATBOARD_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"STATBOARD_SQL_CONN_MAX_LIFETIME"`
	ScanBatchSize   int           `json:"scan_batch_size" env:"STATBOARD_SQL_SCAN_BATCH"`
	AutoMigrate     bool          `json:"auto_migrate" env:"STATBOARD_SQL_AUTO_MIGRATE"`
}

// DefaultConfig returns defaults for the given driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ScanBatchSize:   500,
		AutoMigrate:     true,
	}
	switch driver {
	case DriverPostgres:
		cfg.DSN = "postgres://localhost:5432/statboard?sslmode=disable"
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/statboard?parseTime=true"
	case DriverSQLite:
		cfg.DSN = "./data/statboard.db"
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Validate checks the driver and DSN.
func (c Config) Validate() error {
	if _, ok := schemas[c.Driver]; !ok {
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("dsn cannot be empty")
	}
	return nil
}

// Store implements engine.EntryStore on a SQL database. The conditional
// high score update is a single UPDATE ... WHERE high_score < ?, so it is
// atomic under any isolation level.
type Store struct {
	db     *sqlx.DB
	driver Driver
	batch  int
	now    func() time.Time
}

// New opens the database, verifies connectivity and applies the schema.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	s := NewWithDB(db, cfg.Driver)
	if cfg.ScanBatchSize > 0 {
		s.batch = cfg.ScanBatchSize
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver, batch: 500, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the entries table and ranking index if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.driver] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

const entryColumns = `entry_id, user_id, daily_streak, longest_daily_streak, average_daily_guesses,
	average_daily_time, longest_survival_streak, high_score, created_at, updated_at`

func (s *Store) GetByUser(ctx context.Context, user core.UserID) (core.Entry, error) {
	var e core.Entry
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`SELECT `+entryColumns+` FROM leaderboard_entries WHERE user_id = ?`), user)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Entry{}, core.ErrNotFound
	}
	if err != nil {
		return core.Entry{}, fmt.Errorf("get entry: %w", classify(err))
	}
	return e, nil
}

func (s *Store) Insert(ctx context.Context, entry core.Entry) (core.EntryID, error) {
	ts := s.now()
	query := `INSERT INTO leaderboard_entries (user_id, daily_streak, longest_daily_streak, average_daily_guesses,
		average_daily_time, longest_survival_streak, high_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{entry.UserID, entry.DailyStreak, entry.LongestDailyStreak, entry.AverageDailyGuesses,
		entry.AverageDailyTime, entry.LongestSurvivalStreak, entry.HighScore, ts, ts}

	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+` RETURNING entry_id`), args...).Scan(&id)
		if err != nil {
			return 0, insertError(err)
		}
		return core.EntryID(id), nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, insertError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	return core.EntryID(id), nil
}

func insertError(err error) error {
	err = classify(err)
	if errors.Is(err, core.ErrDuplicateUser) {
		return err
	}
	return fmt.Errorf("insert entry: %w", err)
}

func (s *Store) Update(ctx context.Context, entry core.Entry) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE leaderboard_entries SET
		daily_streak = ?,
		longest_daily_streak = CASE WHEN longest_daily_streak > ? THEN longest_daily_streak ELSE ? END,
		average_daily_guesses = ?,
		average_daily_time = ?,
		longest_survival_streak = ?,
		high_score = CASE WHEN high_score > ? THEN high_score ELSE ? END,
		updated_at = ?
		WHERE entry_id = ?`),
		entry.DailyStreak,
		entry.LongestDailyStreak, entry.LongestDailyStreak,
		entry.AverageDailyGuesses,
		entry.AverageDailyTime,
		entry.LongestSurvivalStreak,
		entry.HighScore, entry.HighScore,
		s.now(),
		entry.EntryID,
	)
	if err != nil {
		return fmt.Errorf("update entry: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n > 0 {
		return nil
	}
	// MySQL reports changed rows, not matched rows.
	var exists bool
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM leaderboard_entries WHERE entry_id = ?)`), entry.EntryID)
	if err != nil {
		return fmt.Errorf("update entry: %w", classify(err))
	}
	if !exists {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RaiseHighScore(ctx context.Context, user core.UserID, score int64) (core.Entry, bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE leaderboard_entries SET high_score = ?, updated_at = ? WHERE user_id = ? AND high_score < ?`),
		score, s.now(), user, score)
	if err != nil {
		return core.Entry{}, false, fmt.Errorf("raise high score: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Entry{}, false, fmt.Errorf("raise high score: %w", err)
	}
	e, err := s.GetByUser(ctx, user)
	if err != nil {
		return core.Entry{}, false, err
	}
	return e, n > 0, nil
}

// Scan reads the ranking with LIMIT/OFFSET pages. Each page is fully read
// before it is yielded, so no connection is held while the caller iterates.
func (s *Store) Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error] {
	query := s.db.Rebind(`SELECT ` + entryColumns + ` FROM leaderboard_entries
		ORDER BY high_score DESC, entry_id ASC LIMIT ? OFFSET ?`)
	return func(yield func(core.Entry, error) bool) {
		for pos := max(offset, 0); ; {
			var page []core.Entry
			if err := s.db.SelectContext(ctx, &page, query, s.batch, pos); err != nil {
				yield(core.Entry{}, fmt.Errorf("scan ranking: %w", classify(err)))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.batch {
				return
			}
			pos += int64(len(page))
		}
	}
}

// Position counts the entries ranked ahead of the user's entry.
func (s *Store) Position(ctx context.Context, user core.UserID) (int64, error) {
	e, err := s.GetByUser(ctx, user)
	if err != nil {
		return 0, err
	}
	var ahead int64
	err = s.db.GetContext(ctx, &ahead, s.db.Rebind(`SELECT COUNT(*) FROM leaderboard_entries
		WHERE high_score > ? OR (high_score = ? AND entry_id < ?)`), e.HighScore, e.HighScore, e.EntryID)
	if err != nil {
		return 0, fmt.Errorf("rank entry: %w", classify(err))
	}
	return ahead + 1, nil
}

// classify maps driver errors onto core.ErrDuplicateUser and core.ErrConflict.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return core.ErrDuplicateUser
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", core.ErrConflict, err)
		}
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return core.ErrDuplicateUser
		case 1205, 1213:
			return fmt.Errorf("%w: %v", core.ErrConflict, err)
		}
		return err
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		switch code := liteErr.Code(); {
		case code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return core.ErrDuplicateUser
		case code&0xff == sqlite3lib.SQLITE_BUSY, code&0xff == sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", core.ErrConflict, err)
		}
	}
	return err
}

var (
	_ engine.EntryStore     = (*Store)(nil)
	_ engine.PositionFinder = (*Store)(nil)
)
