package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"statboard/core"
	"statboard/engine"
)

// Config holds Redis connection configuration
type Config struct {
	Addr          string        `json:"addr" env:"STATBOARD_REDIS_ADDR"`
	Password      string        `json:"password" env:"STATBOARD_REDIS_PASSWORD"`
	DB            int           `json:"db" env:"STATBOARD_REDIS_DB"`
	KeyPrefix     string        `json:"key_prefix" env:"STATBOARD_REDIS_KEY_PREFIX"`
	PoolSize      int           `json:"pool_size" env:"STATBOARD_REDIS_POOL_SIZE"`
	MinIdleConns  int           `json:"min_idle_conns" env:"STATBOARD_REDIS_MIN_IDLE_CONNS"`
	DialTimeout   time.Duration `json:"dial_timeout" env:"STATBOARD_REDIS_DIAL_TIMEOUT"`
	ReadTimeout   time.Duration `json:"read_timeout" env:"STATBOARD_REDIS_READ_TIMEOUT"`
	WriteTimeout  time.Duration `json:"write_timeout" env:"STATBOARD_REDIS_WRITE_TIMEOUT"`
	ScanBatchSize int           `json:"scan_batch_size" env:"STATBOARD_REDIS_SCAN_BATCH"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		KeyPrefix:     "statboard",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		ScanBatchSize: 256,
	}
}

// Store implements engine.EntryStore on Redis.
// Data structure:
// - {prefix}:seq -> int64 entry id sequence
// - {prefix}:users -> hash user_id -> entry_id
// - {prefix}:entry:{entry_id} -> hash of entry fields
// - {prefix}:ranking -> sorted set, score = -high_score, member = zero-padded entry_id
//
// Ranking reads use ascending ZRANGE so equal scores fall back to member order,
// which is entry id ascending. Scores are float64, so high scores
// outside +/-2^53 are rejected with core.ErrInvalidArgument.
type Store struct {
	client *redis.Client
	prefix string
	batch  int64
}

// New creates a new Redis-backed store with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, config), nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client, config Config) *Store {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "statboard"
	}
	batch := int64(config.ScanBatchSize)
	if batch <= 0 {
		batch = 256
	}
	return &Store{client: client, prefix: prefix, batch: batch}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) seqKey() string     { return s.prefix + ":seq" }
func (s *Store) usersKey() string   { return s.prefix + ":users" }
func (s *Store) rankingKey() string { return s.prefix + ":ranking" }
func (s *Store) entryPrefix() string {
	return s.prefix + ":entry:"
}

func (s *Store) entryKey(id core.EntryID) string {
	return s.entryPrefix() + strconv.FormatInt(int64(id), 10)
}

func rankingMember(id core.EntryID) string {
	return fmt.Sprintf("%020d", id)
}

// maxExactScore bounds high scores to the integers a float64 sorted set score
// and Lua number represent exactly.
const maxExactScore = 1 << 53

func checkScore(score int64) error {
	if score > maxExactScore || score < -maxExactScore {
		return fmt.Errorf("%w: high score %d exceeds +/-2^53", core.ErrInvalidArgument, score)
	}
	return nil
}

func rankingScore(highScore int64) string {
	return strconv.FormatInt(-highScore, 10)
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

const (
	replyNotFound  = "NOTFOUND"
	replyDuplicate = "DUPLICATE"
)

// translate maps script error replies onto domain errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, replyNotFound):
		return core.ErrNotFound
	case strings.Contains(msg, replyDuplicate):
		return core.ErrDuplicateUser
	}
	return err
}

var insertScript = redis.NewScript(`
	local users, seq, ranking = KEYS[1], KEYS[2], KEYS[3]
	if redis.call('HEXISTS', users, ARGV[1]) == 1 then
		return redis.error_reply('DUPLICATE')
	end
	local id = tostring(redis.call('INCR', seq))
	redis.call('HSET', users, ARGV[1], id)
	redis.call('HSET', ARGV[10] .. id,
		'entry_id', id,
		'user_id', ARGV[1],
		'daily_streak', ARGV[2],
		'longest_daily_streak', ARGV[3],
		'average_daily_guesses', ARGV[4],
		'average_daily_time', ARGV[5],
		'longest_survival_streak', ARGV[6],
		'high_score', ARGV[7],
		'created_at', ARGV[9],
		'updated_at', ARGV[9])
	redis.call('ZADD', ranking, ARGV[8], string.rep('0', 20 - string.len(id)) .. id)
	return id
`)

// Insert atomically claims the user and allocates the next entry id.
func (s *Store) Insert(ctx context.Context, entry core.Entry) (core.EntryID, error) {
	if err := checkScore(entry.HighScore); err != nil {
		return 0, err
	}
	res, err := insertScript.Run(ctx, s.client,
		[]string{s.usersKey(), s.seqKey(), s.rankingKey()},
		int64(entry.UserID),
		entry.DailyStreak,
		entry.LongestDailyStreak,
		entry.AverageDailyGuesses,
		strconv.FormatFloat(entry.AverageDailyTime, 'f', -1, 64),
		entry.LongestSurvivalStreak,
		entry.HighScore,
		rankingScore(entry.HighScore),
		now(),
		s.entryPrefix(),
	).Text()
	if err != nil {
		if err := translate(err); errors.Is(err, core.ErrDuplicateUser) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}
	id, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected entry id %q: %w", res, err)
	}
	return core.EntryID(id), nil
}

var raiseScript = redis.NewScript(`
	local id = redis.call('HGET', KEYS[1], ARGV[1])
	if not id then
		return redis.error_reply('NOTFOUND')
	end
	local key = ARGV[5] .. id
	local raised = 0
	if tonumber(redis.call('HGET', key, 'high_score')) < tonumber(ARGV[2]) then
		redis.call('HSET', key, 'high_score', ARGV[2], 'updated_at', ARGV[4])
		redis.call('ZADD', KEYS[2], ARGV[3], string.rep('0', 20 - string.len(id)) .. id)
		raised = 1
	end
	return {raised, redis.call('HGETALL', key)}
`)

// RaiseHighScore runs the compare-and-set inside a single Lua script.
func (s *Store) RaiseHighScore(ctx context.Context, user core.UserID, score int64) (core.Entry, bool, error) {
	if err := checkScore(score); err != nil {
		return core.Entry{}, false, err
	}
	res, err := raiseScript.Run(ctx, s.client,
		[]string{s.usersKey(), s.rankingKey()},
		int64(user), score, rankingScore(score), now(), s.entryPrefix(),
	).Slice()
	if err != nil {
		if err := translate(err); errors.Is(err, core.ErrNotFound) {
			return core.Entry{}, false, err
		}
		return core.Entry{}, false, fmt.Errorf("failed to raise high score: %w", err)
	}
	if len(res) != 2 {
		return core.Entry{}, false, errors.New("unexpected result shape from Redis script")
	}
	raised, _ := res[0].(int64)
	flat, _ := res[1].([]interface{})
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	e, err := parseEntry(fields)
	if err != nil {
		return core.Entry{}, false, err
	}
	return e, raised == 1, nil
}

var updateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return redis.error_reply('NOTFOUND')
	end
	local cur = redis.call('HMGET', KEYS[1], 'high_score', 'longest_daily_streak')
	local longest = cur[2]
	if tonumber(ARGV[2]) > tonumber(cur[2]) then
		longest = ARGV[2]
	end
	redis.call('HSET', KEYS[1],
		'daily_streak', ARGV[1],
		'longest_daily_streak', longest,
		'average_daily_guesses', ARGV[3],
		'average_daily_time', ARGV[4],
		'longest_survival_streak', ARGV[5],
		'updated_at', ARGV[8])
	if tonumber(ARGV[6]) > tonumber(cur[1]) then
		redis.call('HSET', KEYS[1], 'high_score', ARGV[6])
		redis.call('ZADD', KEYS[2], ARGV[7], ARGV[9])
	end
	return 1
`)

func (s *Store) Update(ctx context.Context, entry core.Entry) error {
	if err := checkScore(entry.HighScore); err != nil {
		return err
	}
	err := updateScript.Run(ctx, s.client,
		[]string{s.entryKey(entry.EntryID), s.rankingKey()},
		entry.DailyStreak,
		entry.LongestDailyStreak,
		entry.AverageDailyGuesses,
		strconv.FormatFloat(entry.AverageDailyTime, 'f', -1, 64),
		entry.LongestSurvivalStreak,
		entry.HighScore,
		rankingScore(entry.HighScore),
		now(),
		rankingMember(entry.EntryID),
	).Err()
	if err != nil {
		if err := translate(err); errors.Is(err, core.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return nil
}

func (s *Store) entryID(ctx context.Context, user core.UserID) (core.EntryID, error) {
	id, err := s.client.HGet(ctx, s.usersKey(), strconv.FormatInt(int64(user), 10)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up entry id: %w", err)
	}
	return core.EntryID(id), nil
}

func (s *Store) GetByUser(ctx context.Context, user core.UserID) (core.Entry, error) {
	id, err := s.entryID(ctx, user)
	if err != nil {
		return core.Entry{}, err
	}
	fields, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return core.Entry{}, fmt.Errorf("failed to get entry: %w", err)
	}
	if len(fields) == 0 {
		return core.Entry{}, core.ErrNotFound
	}
	return parseEntry(fields)
}

// Scan pages through the ranking with ZRANGE and fetches each page's hashes
// in one pipeline. HGETALL is atomic per entry.
func (s *Store) Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error] {
	return func(yield func(core.Entry, error) bool) {
		for start := max(offset, 0); ; start += s.batch {
			members, err := s.client.ZRange(ctx, s.rankingKey(), start, start+s.batch-1).Result()
			if err != nil {
				yield(core.Entry{}, fmt.Errorf("failed to read ranking: %w", err))
				return
			}
			if len(members) == 0 {
				return
			}
			pipe := s.client.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(members))
			for i, m := range members {
				id, err := strconv.ParseInt(m, 10, 64)
				if err != nil {
					yield(core.Entry{}, fmt.Errorf("invalid ranking member %q: %w", m, err))
					return
				}
				cmds[i] = pipe.HGetAll(ctx, s.entryKey(core.EntryID(id)))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				yield(core.Entry{}, fmt.Errorf("failed to read entries: %w", err))
				return
			}
			for _, cmd := range cmds {
				e, err := parseEntry(cmd.Val())
				if !yield(e, err) || err != nil {
					return
				}
			}
			if int64(len(members)) < s.batch {
				return
			}
		}
	}
}

// Position uses ZRANK on the ranking set.
func (s *Store) Position(ctx context.Context, user core.UserID) (int64, error) {
	id, err := s.entryID(ctx, user)
	if err != nil {
		return 0, err
	}
	rank, err := s.client.ZRank(ctx, s.rankingKey(), rankingMember(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to rank entry: %w", err)
	}
	return rank + 1, nil
}

func parseEntry(fields map[string]string) (core.Entry, error) {
	var e core.Entry
	var errs []error
	parseInt := func(name string) int64 {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return v
	}
	parseTime := func(name string) time.Time {
		v, err := time.Parse(time.RFC3339Nano, fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return v
	}
	e.EntryID = core.EntryID(parseInt("entry_id"))
	e.UserID = core.UserID(parseInt("user_id"))
	e.DailyStreak = parseInt("daily_streak")
	e.LongestDailyStreak = parseInt("longest_daily_streak")
	e.AverageDailyGuesses = parseInt("average_daily_guesses")
	e.LongestSurvivalStreak = parseInt("longest_survival_streak")
	e.HighScore = parseInt("high_score")
	avg, err := strconv.ParseFloat(fields["average_daily_time"], 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("field average_daily_time: %w", err))
	}
	e.AverageDailyTime = avg
	e.CreatedAt = parseTime("created_at")
	e.UpdatedAt = parseTime("updated_at")
	if len(errs) > 0 {
		return core.Entry{}, fmt.Errorf("corrupt entry hash: %w", errors.Join(errs...))
	}
	return e, nil
}

var (
	_ engine.EntryStore     = (*Store)(nil)
	_ engine.PositionFinder = (*Store)(nil)
)
