package sqlx

// schemas holds the idempotent DDL for each supported driver.
var schemas = map[Driver][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			entry_id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL UNIQUE,
			daily_streak BIGINT NOT NULL DEFAULT 0,
			longest_daily_streak BIGINT NOT NULL DEFAULT 0,
			average_daily_guesses BIGINT NOT NULL DEFAULT 0,
			average_daily_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			longest_survival_streak BIGINT NOT NULL DEFAULT 0,
			high_score BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS leaderboard_entries_ranking ON leaderboard_entries (high_score DESC, entry_id ASC)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			entry_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			daily_streak BIGINT NOT NULL DEFAULT 0,
			longest_daily_streak BIGINT NOT NULL DEFAULT 0,
			average_daily_guesses BIGINT NOT NULL DEFAULT 0,
			average_daily_time DOUBLE NOT NULL DEFAULT 0,
			longest_survival_streak BIGINT NOT NULL DEFAULT 0,
			high_score BIGINT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY leaderboard_entries_user (user_id),
			KEY leaderboard_entries_ranking (high_score DESC, entry_id ASC)
		) ENGINE=InnoDB`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL UNIQUE,
			daily_streak INTEGER NOT NULL DEFAULT 0,
			longest_daily_streak INTEGER NOT NULL DEFAULT 0,
			average_daily_guesses INTEGER NOT NULL DEFAULT 0,
			average_daily_time REAL NOT NULL DEFAULT 0,
			longest_survival_streak INTEGER NOT NULL DEFAULT 0,
			high_score INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS leaderboard_entries_ranking ON leaderboard_entries (high_score DESC, entry_id ASC)`,
	},
}
