// Package sqlstore persists conversation turns in an embedded SQLite file through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memohai/qianfanbot/internal/history"
)

type userModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Platform    string    `gorm:"not null;uniqueIndex:idx_users_identity"`
	ExternalID  string    `gorm:"not null;uniqueIndex:idx_users_identity"`
	DisplayName string    `gorm:"not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (userModel) TableName() string { return "users" }

type turnModel struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	UID              int64     `gorm:"column:uid;not null;index:idx_turns_thread,priority:1"`
	User             userModel `gorm:"foreignKey:UID;references:ID"`
	StartMessageID   string    `gorm:"not null;index:idx_turns_thread,priority:2"`
	CurrentMessageID string    `gorm:"not null;uniqueIndex"`
	Model            string    `gorm:"not null;default:''"`
	Command          string    `gorm:"not null"`
	Role             string    `gorm:"not null"`
	Content          string    `gorm:"not null"`
	System           string    `gorm:"not null;default:''"`
	UsageTokens      int       `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null;index:idx_turns_thread,priority:3"`
}

func (turnModel) TableName() string { return "conversation_turns" }

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the database file if needed and migrates the schema.
func Open(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&userModel{}, &turnModel{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(slog.String("service", "history"), slog.String("driver", "sqlite")),
	}, nil
}

func (s *Store) Create(ctx context.Context, turn history.Turn) (history.Turn, error) {
	if _, err := history.ParseRole(string(turn.Role)); err != nil {
		return history.Turn{}, err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	row := turnModel{
		UID:              turn.UID,
		StartMessageID:   turn.StartMessageID,
		CurrentMessageID: turn.CurrentMessageID,
		Model:            turn.Model,
		Command:          turn.Command,
		Role:             string(turn.Role),
		Content:          turn.Content,
		System:           turn.System,
		UsageTokens:      turn.UsageTokens,
		CreatedAt:        turn.CreatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Omit("User").Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return history.Turn{}, history.ErrDuplicateMessage
		}
		return history.Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	turn.ID = row.ID
	return turn, nil
}

func (s *Store) Query(ctx context.Context, q history.Query) ([]history.Turn, error) {
	tx := s.db.WithContext(ctx).Model(&turnModel{}).Where("uid = ?", q.UID)
	if q.StartMessageID != "" {
		tx = tx.Where("start_message_id = ?", q.StartMessageID)
	}
	if q.CurrentMessageID != "" {
		tx = tx.Where("current_message_id = ?", q.CurrentMessageID)
	}
	if !q.CreatedAtOrBefore.IsZero() {
		tx = tx.Where("created_at <= ?", q.CreatedAtOrBefore.UTC())
	}
	desc := q.Order == history.OrderDesc
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []turnModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	turns := make([]history.Turn, 0, len(rows))
	for _, r := range rows {
		role, err := history.ParseRole(r.Role)
		if err != nil {
			return nil, err
		}
		turns = append(turns, history.Turn{
			ID:               r.ID,
			UID:              r.UID,
			StartMessageID:   r.StartMessageID,
			CurrentMessageID: r.CurrentMessageID,
			Model:            r.Model,
			Command:          r.Command,
			Role:             role,
			Content:          r.Content,
			System:           r.System,
			UsageTokens:      r.UsageTokens,
			CreatedAt:        r.CreatedAt,
		})
	}
	return turns, nil
}

func (s *Store) EnsureUser(ctx context.Context, platform, externalID, displayName string) (history.User, error) {
	platform = strings.TrimSpace(platform)
	externalID = strings.TrimSpace(externalID)
	if platform == "" || externalID == "" {
		return history.User{}, fmt.Errorf("platform and external id are required")
	}
	var row userModel
	err := s.db.WithContext(ctx).
		Where(userModel{Platform: platform, ExternalID: externalID}).
		Attrs(userModel{DisplayName: displayName, CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&row).Error
	if err != nil {
		return history.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return history.User{
		ID:          row.ID,
		Platform:    row.Platform,
		ExternalID:  row.ExternalID,
		DisplayName: row.DisplayName,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
