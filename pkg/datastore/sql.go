package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000000"

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver converts a flag value to a Driver.
func ParseDriver(s string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(s))) {
	case DriverSQLite, "":
		return DriverSQLite, nil
	case DriverPostgres, "postgresql", "pq":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("datastore: unknown driver %q (valid: sqlite, postgres)", s)
	}
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	driver Driver
	now    func() time.Time
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

// q rewrites ? placeholders to $N for PostgreSQL.
func (p *baseProvider) q(query string) string {
	return rebind(p.driver, query)
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all TypeDuel entities.
type ProviderFactory struct {
	DB     *sql.DB
	driver Driver
	now    func() time.Time
}

func (sf *ProviderFactory) base(db DB) baseProvider {
	return baseProvider{DB: db, driver: sf.driver, now: sf.now}
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{baseProvider: sf.base(sf.DB)}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: sf.base(tx),
		tx:           tx,
	}, nil
}

// NewProviderFactory opens (or creates) a database and runs migrations.
// For SQLite dsn is a file path; for PostgreSQL it is a lib/pq connection string.
func NewProviderFactory(driver Driver, dsn string) (*ProviderFactory, error) {
	DB, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	switch driver {
	case DriverSQLite:
		// One connection keeps per-connection pragmas in effect and serializes writers.
		DB.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := DB.ExecContext(ctx, pragma); err != nil {
				_ = DB.Close()
				return nil, fmt.Errorf("datastore: %s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		if err := DB.PingContext(ctx); err != nil {
			_ = DB.Close()
			return nil, fmt.Errorf("datastore: ping: %w", err)
		}
	default:
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: unsupported driver %q", driver)
	}

	s := &ProviderFactory{
		DB:     DB,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sentences (
		id         TEXT    PRIMARY KEY,
		category   TEXT    NOT NULL CHECK(category IN ('FIFTEEN', 'TWENTY_FIVE', 'FIFTY')),
		text       TEXT    NOT NULL CHECK(length(text) > 0),
		word_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS competitions (
		id          TEXT PRIMARY KEY,
		category    TEXT NOT NULL,
		sentence_id TEXT NOT NULL REFERENCES sentences(id),
		status      TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'finished', 'aborted')),
		start_time  TEXT NOT NULL,
		end_time    TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS competition_participants (
		competition_id TEXT NOT NULL REFERENCES competitions(id) ON DELETE CASCADE,
		user_id        TEXT NOT NULL,
		PRIMARY KEY (competition_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS results (
		id             TEXT             PRIMARY KEY,
		user_id        TEXT             NOT NULL,
		competition_id TEXT             REFERENCES competitions(id),
		sentence_id    TEXT             NOT NULL REFERENCES sentences(id),
		wpm            DOUBLE PRECISION NOT NULL DEFAULT 0,
		accuracy       DOUBLE PRECISION NOT NULL DEFAULT 0,
		raw_wpm        DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_count    INTEGER          NOT NULL DEFAULT 0,
		time_taken     DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at     TEXT             NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_sentences_category ON sentences (category)",
				"CREATE UNIQUE INDEX IF NOT EXISTS idx_results_user_competition ON results (user_id, competition_id)",
				"CREATE INDEX IF NOT EXISTS idx_results_user_created ON results (user_id, created_at)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, rebind(s.driver, "UPDATE schema_migrations SET version = ?"), version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func rebind(driver Driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Sentences ----

// CreateSentence stores a sentence, assigning an ID when it has none.
func (s *baseProvider) CreateSentence(ctx context.Context, sentence *model.Sentence) error {
	if err := sentence.Validate(); err != nil {
		return fmt.Errorf("datastore: create sentence: %w", err)
	}
	if sentence.ID == "" {
		sentence.ID = uuid.NewString()
	}
	if sentence.WordCount == 0 {
		sentence.WordCount = len(strings.Fields(sentence.Text))
	}
	sentence.CreatedAt = s.now()

	_, err := s.ExecContext(ctx,
		s.q("INSERT INTO sentences (id, category, text, word_count, created_at) VALUES (?, ?, ?, ?, ?)"),
		sentence.ID, string(sentence.Category), sentence.Text, sentence.WordCount, formatDBTime(sentence.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create sentence: %w", err)
	}
	return nil
}

// GetSentenceByID retrieves a sentence by ID.
func (s *baseProvider) GetSentenceByID(ctx context.Context, id string) (*model.Sentence, error) {
	row := s.QueryRowContext(ctx, s.q("SELECT id, category, text, word_count, created_at FROM sentences WHERE id = ?"), id)
	sentence, err := scanSentence(row)
	if err != nil {
		return nil, fmt.Errorf("datastore: get sentence: %w", err)
	}
	return sentence, nil
}

// RandomSentence picks a sentence of the category uniformly at random.
func (s *baseProvider) RandomSentence(ctx context.Context, category model.Category) (*model.Sentence, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("datastore: random sentence: %w", model.ErrInvalidCategory)
	}
	row := s.QueryRowContext(ctx,
		s.q("SELECT id, category, text, word_count, created_at FROM sentences WHERE category = ? ORDER BY RANDOM() LIMIT 1"),
		string(category))
	sentence, err := scanSentence(row)
	if err != nil {
		return nil, fmt.Errorf("datastore: random sentence %s: %w", category, err)
	}
	return sentence, nil
}

// ListSentences returns all sentences, optionally restricted to one category.
func (s *baseProvider) ListSentences(ctx context.Context, category model.Category) ([]model.Sentence, error) {
	query := "SELECT id, category, text, word_count, created_at FROM sentences"
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, string(category))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list sentences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sentences []model.Sentence
	for rows.Next() {
		sentence, err := scanSentence(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan sentence: %w", err)
		}
		sentences = append(sentences, *sentence)
	}
	return sentences, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSentence(row scanner) (*model.Sentence, error) {
	sentence := &model.Sentence{}
	var category, createdAt string
	err := row.Scan(&sentence.ID, &category, &sentence.Text, &sentence.WordCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sentence.Category = model.Category(category)
	if sentence.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return sentence, nil
}

// ---- Competitions ----

// CreateCompetition inserts a competition and its participants.
// Callers should run it inside a transaction.
func (s *baseProvider) CreateCompetition(ctx context.Context, competition *model.Competition) error {
	if err := model.ValidateParticipants(competition.Participants); err != nil {
		return fmt.Errorf("datastore: create competition: %w", err)
	}
	if !competition.Category.Valid() {
		return fmt.Errorf("datastore: create competition: %w", model.ErrInvalidCategory)
	}
	if competition.ID == "" {
		competition.ID = uuid.NewString()
	}
	now := s.now()
	if competition.StartTime.IsZero() {
		competition.StartTime = now
	}
	competition.Status = model.CompetitionOpen
	competition.CreatedAt = now

	_, err := s.ExecContext(ctx,
		s.q("INSERT INTO competitions (id, category, sentence_id, status, start_time, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
		competition.ID, string(competition.Category), competition.SentenceID, string(competition.Status),
		formatDBTime(competition.StartTime), formatDBTime(competition.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create competition: %w", err)
	}
	for _, userID := range competition.Participants {
		if _, err := s.ExecContext(ctx,
			s.q("INSERT INTO competition_participants (competition_id, user_id) VALUES (?, ?)"),
			competition.ID, userID); err != nil {
			return fmt.Errorf("datastore: add participant: %w", err)
		}
	}
	return nil
}

// GetCompetition retrieves a competition and its participants by ID.
func (s *baseProvider) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	c := &model.Competition{}
	var category, status, startTime, createdAt string
	var endTime sql.NullString
	err := s.QueryRowContext(ctx,
		s.q("SELECT id, category, sentence_id, status, start_time, end_time, created_at FROM competitions WHERE id = ?"), id).
		Scan(&c.ID, &category, &c.SentenceID, &status, &startTime, &endTime, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datastore: get competition: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get competition: %w", err)
	}
	c.Category = model.Category(category)
	c.Status = model.CompetitionStatus(status)
	if c.StartTime, err = parseDBTime(startTime); err != nil {
		return nil, fmt.Errorf("datastore: get competition: %w", err)
	}
	if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: get competition: %w", err)
	}
	if endTime.Valid {
		if c.EndTime, err = parseDBTime(endTime.String); err != nil {
			return nil, fmt.Errorf("datastore: get competition: %w", err)
		}
	}

	rows, err := s.QueryContext(ctx,
		s.q("SELECT user_id FROM competition_participants WHERE competition_id = ? ORDER BY user_id"), id)
	if err != nil {
		return nil, fmt.Errorf("datastore: list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("datastore: scan participant: %w", err)
		}
		c.Participants = append(c.Participants, userID)
	}
	return c, rows.Err()
}

// SetCompetitionStatus performs a compare-and-set on the competition status.
func (s *baseProvider) SetCompetitionStatus(ctx context.Context, id string, from, to model.CompetitionStatus, endTime time.Time) (bool, error) {
	res, err := s.ExecContext(ctx,
		s.q("UPDATE competitions SET status = ?, end_time = ? WHERE id = ? AND status = ?"),
		string(to), formatDBTime(endTime), id, string(from))
	if err != nil {
		return false, fmt.Errorf("datastore: set competition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: set competition status: %w", err)
	}
	return n == 1, nil
}

// ---- Results ----

// CreateResult inserts a result. A second result for the same user and
// competition fails with model.ErrDuplicateResult.
func (s *baseProvider) CreateResult(ctx context.Context, result *model.Result) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("datastore: create result: %w", err)
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	result.CreatedAt = s.now()

	var competitionID sql.NullString
	if result.CompetitionID != "" {
		competitionID = sql.NullString{String: result.CompetitionID, Valid: true}
	}

	_, err := s.ExecContext(ctx,
		s.q(`INSERT INTO results (id, user_id, competition_id, sentence_id, wpm, accuracy, raw_wpm, error_count, time_taken, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		result.ID, result.UserID, competitionID, result.SentenceID,
		result.WPM, result.Accuracy, result.RawWPM, result.ErrorCount, result.TimeTaken,
		formatDBTime(result.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("datastore: create result: %w", model.ErrDuplicateResult)
	}
	if err != nil {
		return fmt.Errorf("datastore: create result: %w", err)
	}
	return nil
}

// ListResults returns results matching the filters, newest first unless
// filters.OrderByWPM is set.
func (s *baseProvider) ListResults(ctx context.Context, filters model.ResultFilters) ([]model.Result, error) {
	query := `SELECT id, user_id, competition_id, sentence_id, wpm, accuracy, raw_wpm, error_count, time_taken, created_at FROM results`

	var where []string
	var args []any
	if filters.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.CompetitionID != "" {
		where = append(where, "competition_id = ?")
		args = append(args, filters.CompetitionID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filters.OrderByWPM {
		query += " ORDER BY wpm DESC, created_at"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := s.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []model.Result
	for rows.Next() {
		var r model.Result
		var competitionID sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &competitionID, &r.SentenceID,
			&r.WPM, &r.Accuracy, &r.RawWPM, &r.ErrorCount, &r.TimeTaken, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan result: %w", err)
		}
		r.CompetitionID = competitionID.String
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan result: %w", err)
		}
		r.CreatedAt = parsed
		results = append(results, r)
	}
	return results, rows.Err()
}
