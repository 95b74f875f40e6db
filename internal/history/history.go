package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wolfpack-game/wolfpack/internal/engine"
)

var ErrUnknownDriver = errors.New("unknown history driver")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Game is one finished game as reported by game_end.
type Game struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Room        string    `json:"room" gorm:"index;not null"`
	Winners     []string  `json:"winners" gorm:"serializer:json"`
	TotalRounds int       `json:"total_rounds" gorm:"not null;default:0"`
	EndedAt     time.Time `json:"ended_at" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Players []Player `json:"players,omitempty" gorm:"foreignKey:GameID"`
	Rounds  []Round  `json:"rounds,omitempty" gorm:"foreignKey:GameID"`
}

type Player struct {
	ID           uint   `json:"id" gorm:"primaryKey"`
	GameID       uint   `json:"game_id" gorm:"not null;index"`
	Username     string `json:"username" gorm:"not null"`
	TotalScore   int    `json:"total_score" gorm:"not null;default:0"`
	RoundsAsWolf int    `json:"rounds_as_wolf" gorm:"not null;default:0"`
}

type Round struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	GameID   uint   `json:"game_id" gorm:"not null;index"`
	Number   int    `json:"round_number" gorm:"not null"`
	Question string `json:"question"`
	Wolf     string `json:"wolf"`
	Score    int    `json:"scores"`
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.AutoMigrate(&Game{}, &Player{}, &Round{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	log.Debug("history opened", zap.String("driver", driver))
	return &Store{db: db, log: log}, nil
}

// Record stores the final statistics of a game played in room.
func (s *Store) Record(ctx context.Context, room string, stats engine.Statistics) error {
	g := Game{
		Room:        room,
		Winners:     stats.Winners,
		TotalRounds: stats.TotalRounds,
		EndedAt:     time.Now().UTC(),
	}

	names := make([]string, 0, len(stats.Players))
	for name := range stats.Players {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps := stats.Players[name]
		g.Players = append(g.Players, Player{Username: name, TotalScore: ps.TotalScore, RoundsAsWolf: ps.RoundsAsWolf})
	}
	for _, r := range stats.RoundData {
		g.Rounds = append(g.Rounds, Round{Number: r.Round, Question: r.Question, Wolf: r.Wolf, Score: r.Scores})
	}

	if err := s.db.WithContext(ctx).Create(&g).Error; err != nil {
		return fmt.Errorf("record game: %w", err)
	}
	s.log.Info("game recorded", zap.String("room", room), zap.Uint("id", g.ID))
	return nil
}

// Recent returns up to limit games, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Game, error) {
	if limit <= 0 {
		limit = 10
	}
	var games []Game
	err := s.db.WithContext(ctx).
		Preload("Players", func(db *gorm.DB) *gorm.DB { return db.Order("total_score desc, username") }).
		Preload("Rounds", func(db *gorm.DB) *gorm.DB { return db.Order("number") }).
		Order("ended_at desc, id desc").
		Limit(limit).
		Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return games, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
