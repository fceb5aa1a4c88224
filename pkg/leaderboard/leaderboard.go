// Package leaderboard keeps each user's best race speed in Redis sorted sets.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	bestWPMKey = "typeduel:leaderboard:best_wpm"
	racesKey   = "typeduel:leaderboard:races"
)

// Entry is one row of the leaderboard.
type Entry struct {
	Rank    int64   `json:"rank"`
	UserID  string  `json:"userId"`
	BestWPM float64 `json:"bestWpm"`
	Races   int64   `json:"races"`
}

// Config holds Redis connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// Board wraps the Redis client.
type Board struct {
	rdb *redis.Client
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Board, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("leaderboard: connect %s: %w", cfg.Addr, err)
	}

	slog.Info("leaderboard connected", "addr", cfg.Addr, "db", cfg.DB)
	return New(rdb), nil
}

// New wraps an existing client.
func New(rdb *redis.Client) *Board {
	return &Board{rdb: rdb}
}

// Close closes the Redis connection.
func (b *Board) Close() error {
	return b.rdb.Close()
}

// Record raises the user's best wpm if r beats it and counts competition results.
func (b *Board) Record(ctx context.Context, r model.Result) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZAddGT(ctx, bestWPMKey, redis.Z{Score: r.WPM, Member: r.UserID})
	if r.CompetitionID != "" {
		pipe.ZIncrBy(ctx, racesKey, 1, r.UserID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leaderboard: record %s: %w", r.UserID, err)
	}
	return nil
}

// Observe records r. Failures are logged only.
func (b *Board) Observe(ctx context.Context, r model.Result) {
	if err := b.Record(ctx, r); err != nil {
		slog.Warn("leaderboard update failed", "user", r.UserID, "err", err)
	}
}

// Top returns the best limit users by wpm, highest first.
func (b *Board) Top(ctx context.Context, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)
	players, err := b.rdb.ZRevRangeWithScores(ctx, bestWPMKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: top: %w", err)
	}
	if len(players) == 0 {
		return []Entry{}, nil
	}

	pipe := b.rdb.Pipeline()
	races := make([]*redis.FloatCmd, len(players))
	for i, p := range players {
		races[i] = pipe.ZScore(ctx, racesKey, memberString(p.Member))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard: race counts: %w", err)
	}

	entries := make([]Entry, len(players))
	for i, p := range players {
		entries[i] = Entry{
			Rank:    int64(i + 1),
			UserID:  memberString(p.Member),
			BestWPM: p.Score,
			Races:   int64(races[i].Val()),
		}
	}
	return entries, nil
}

// Rank returns a single user's entry, or model.ErrNotFound.
func (b *Board) Rank(ctx context.Context, userID string) (*Entry, error) {
	score, err := b.rdb.ZScore(ctx, bestWPMKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard: %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard: score: %w", err)
	}
	rank, err := b.rdb.ZRevRank(ctx, bestWPMKey, userID).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: rank: %w", err)
	}
	races, err := b.rdb.ZScore(ctx, racesKey, userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("leaderboard: race count: %w", err)
	}
	return &Entry{Rank: rank + 1, UserID: userID, BestWPM: score, Races: int64(races)}, nil
}

// Reset removes all leaderboard data.
func (b *Board) Reset(ctx context.Context) error {
	if err := b.rdb.Del(ctx, bestWPMKey, racesKey).Err(); err != nil {
		return fmt.Errorf("leaderboard: reset: %w", err)
	}
	return nil
}

// ClampLimit maps a requested size onto 1..MaxLimit, using DefaultLimit for
// non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func memberString(m any) string {
	if s, ok := m.(string); ok {
		return s
	}
	return fmt.Sprint(m)
}
