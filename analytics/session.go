package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"statboard/core"
)

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("%w: session_date %q", core.ErrInvalidArgument, s)
	}
	*d = DateOf(t)
	return nil
}

// Seconds is a duration serialized as a number of seconds.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: session_length %v", core.ErrInvalidArgument, f)
	}
	*s = Seconds(time.Duration(f * float64(time.Second)))
	return nil
}

// SessionRecord is one row of the session-analytics feed. Every field may be
// null: sessions can be anonymous or still open.
type SessionRecord struct {
	UserID        *core.UserID `json:"user_id"`
	SessionDate   *Date        `json:"session_date"`
	SessionStart  *time.Time   `json:"session_start"`
	SessionEnd    *time.Time   `json:"session_end"`
	SessionLength *Seconds     `json:"session_length"`
}

// normalize fills the date and length that can be derived from start and end.
func (r *SessionRecord) normalize() error {
	if r.SessionStart != nil && r.SessionEnd != nil {
		if r.SessionEnd.Before(*r.SessionStart) {
			return fmt.Errorf("%w: session ends before it starts", core.ErrInvalidArgument)
		}
		if r.SessionLength == nil {
			r.SessionLength = ptr(Seconds(r.SessionEnd.Sub(*r.SessionStart)))
		}
	}
	if r.SessionDate == nil && r.SessionStart != nil {
		r.SessionDate = ptr(DateOf(*r.SessionStart))
	}
	return nil
}

// SessionStore records and lists session-analytics rows.
type SessionStore interface {
	Start(user core.UserID, at time.Time) error
	End(user core.UserID, at time.Time) (SessionRecord, error)
	Append(rec SessionRecord) error
	Sessions(ctx context.Context) ([]SessionRecord, error)
}

var _ SessionStore = (*SessionLog)(nil)

// SessionLog is an in-process, bounded session-analytics feed.
type SessionLog struct {
	mu      sync.Mutex
	records []*SessionRecord
	open    map[core.UserID]*SessionRecord
	limit   int
}

// NewSessionLog keeps at most limit records; limit <= 0 means unbounded.
func NewSessionLog(limit int) *SessionLog {
	return &SessionLog{open: make(map[core.UserID]*SessionRecord), limit: limit}
}

// Start opens a session for user. An already-open session is closed at at.
func (l *SessionLog) Start(user core.UserID, at time.Time) error {
	if err := core.ValidateUserID(user); err != nil {
		return err
	}
	at = at.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.open[user]; ok {
		closeSession(prev, at)
	}
	rec := &SessionRecord{UserID: ptr(user), SessionStart: ptr(at), SessionDate: ptr(DateOf(at))}
	l.open[user] = rec
	l.appendLocked(rec)
	return nil
}

// End closes the user's open session.
func (l *SessionLog) End(user core.UserID, at time.Time) (SessionRecord, error) {
	at = at.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.open[user]
	if !ok {
		return SessionRecord{}, fmt.Errorf("%w: no open session for user %d", core.ErrNotFound, user)
	}
	if at.Before(*rec.SessionStart) {
		return SessionRecord{}, fmt.Errorf("%w: session ends before it starts", core.ErrInvalidArgument)
	}
	closeSession(rec, at)
	delete(l.open, user)
	return *rec, nil
}

// Append records a complete or partial row supplied by an external collector.
func (l *SessionLog) Append(rec SessionRecord) error {
	if rec.UserID != nil {
		if err := core.ValidateUserID(*rec.UserID); err != nil {
			return err
		}
	}
	if err := rec.normalize(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(&rec)
	return nil
}

func (l *SessionLog) appendLocked(rec *SessionRecord) {
	l.records = append(l.records, rec)
	if l.limit > 0 && len(l.records) > l.limit {
		dropped := l.records[0]
		l.records[0] = nil
		l.records = l.records[1:]
		if dropped.UserID != nil && l.open[*dropped.UserID] == dropped {
			delete(l.open, *dropped.UserID)
		}
	}
}

// Sessions returns a copy of the log, newest start first. Rows without a
// start time sort last in insertion order.
func (l *SessionLog) Sessions(context.Context) ([]SessionRecord, error) {
	l.mu.Lock()
	out := make([]SessionRecord, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	l.mu.Unlock()

	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b SessionRecord) int {
		switch {
		case a.SessionStart == nil && b.SessionStart == nil:
			return 0
		case a.SessionStart == nil:
			return 1
		case b.SessionStart == nil:
			return -1
		}
		return b.SessionStart.Compare(*a.SessionStart)
	})
	return out, nil
}

func closeSession(rec *SessionRecord, at time.Time) {
	rec.SessionEnd = ptr(at)
	rec.SessionLength = ptr(Seconds(at.Sub(*rec.SessionStart)))
}

// SampleSessions is the placeholder dataset a display shows when the feed is
// unreachable. It is never mixed with real rows.
func SampleSessions(now time.Time) []SessionRecord {
	now = now.UTC()
	today := DateOf(now)
	yesterday := DateOf(now.AddDate(0, 0, -1))
	return []SessionRecord{
		{
			UserID:        ptr(core.UserID(1)),
			SessionDate:   ptr(today),
			SessionStart:  ptr(now.Add(-30 * time.Minute)),
			SessionEnd:    ptr(now),
			SessionLength: ptr(Seconds(30 * time.Minute)),
		},
		{
			UserID:        ptr(core.UserID(2)),
			SessionDate:   ptr(today),
			SessionStart:  ptr(now.Add(-(10*time.Hour + 15*time.Minute))),
			SessionEnd:    ptr(now.Add(-5 * time.Minute)),
			SessionLength: ptr(Seconds(time.Hour + 10*time.Minute)),
		},
		{
			SessionDate:  ptr(yesterday),
			SessionStart: ptr(now.Add(-(24*time.Hour + 5*time.Minute))),
		},
	}
}

func ptr[T any](v T) *T { return &v }
