package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type historyRow struct {
	Exchange   string `gorm:"primaryKey"`
	Instrument string `gorm:"primaryKey"`
	Prices     string // JSON array of decimal strings
	UpdatedAt  time.Time
}

func (historyRow) TableName() string { return "price_histories" }

type relayRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Message   *string
	SentAt    *int64
	Image     []byte
	UpdatedAt time.Time
}

func (relayRow) TableName() string { return "relay_state" }

type alertRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Exchange    string `gorm:"index"`
	Instrument  string `gorm:"index"`
	OldPrice    string
	NewPrice    string
	PercentDiff string
	Minutes     int
	Message     string
	CreatedAt   time.Time `gorm:"index"`
}

func (alertRow) TableName() string { return "alerts" }

// SQLiteStore persists everything in an embedded SQLite database through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates the tables.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&historyRow{}, &relayRow{}, &alertRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close implements Backend.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadHistories implements history.Persister.
func (s *SQLiteStore) LoadHistories(ctx context.Context, namespace string) (map[string][]decimal.Decimal, error) {
	var rows []historyRow
	if err := s.db.WithContext(ctx).Where("exchange = ?", namespace).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}

	out := make(map[string][]decimal.Decimal, len(rows))
	for _, row := range rows {
		var prices []decimal.Decimal
		if err := json.Unmarshal([]byte(row.Prices), &prices); err != nil {
			return nil, fmt.Errorf("history %s: %w", row.Instrument, err)
		}
		out[row.Instrument] = prices
	}
	return out, nil
}

// SaveHistories implements history.Persister.
func (s *SQLiteStore) SaveHistories(ctx context.Context, namespace string, snapshot map[string][]decimal.Decimal) error {
	rows := make([]historyRow, 0, len(snapshot))
	now := time.Now().UTC()
	for instrument, prices := range snapshot {
		raw, err := json.Marshal(prices)
		if err != nil {
			return fmt.Errorf("encode history %s: %w", instrument, err)
		}
		rows = append(rows, historyRow{Exchange: namespace, Instrument: instrument, Prices: string(raw), UpdatedAt: now})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("exchange = ?", namespace).Delete(&historyRow{}).Error; err != nil {
			return fmt.Errorf("clear histories: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert histories: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) relay(ctx context.Context) (relayRow, error) {
	var row relayRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relayRow{}, ErrNotFound
	}
	if err != nil {
		return relayRow{}, fmt.Errorf("load relay row: %w", err)
	}
	return row, nil
}

// LoadRelayState implements RelayStore.
func (s *SQLiteStore) LoadRelayState(ctx context.Context) (RelayState, error) {
	row, err := s.relay(ctx)
	if err != nil {
		return RelayState{}, err
	}
	if row.SentAt == nil {
		return RelayState{}, ErrNotFound
	}
	state := RelayState{Time: *row.SentAt}
	if row.Message != nil {
		state.Message = *row.Message
	}
	return state, nil
}

// SaveRelayState implements RelayStore.
func (s *SQLiteStore) SaveRelayState(ctx context.Context, state RelayState) error {
	row := relayRow{ID: 1, Message: &state.Message, SentAt: &state.Time, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"message", "sent_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}

// LoadImage implements RelayStore.
func (s *SQLiteStore) LoadImage(ctx context.Context) ([]byte, error) {
	row, err := s.relay(ctx)
	if err != nil {
		return nil, err
	}
	if row.Image == nil {
		return nil, ErrNotFound
	}
	return row.Image, nil
}

// SaveImage implements RelayStore.
func (s *SQLiteStore) SaveImage(ctx context.Context, image []byte) error {
	row := relayRow{ID: 1, Image: image, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"image", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// RecordAlert implements AlertRecorder.
func (s *SQLiteStore) RecordAlert(ctx context.Context, alert AlertRecord) error {
	row := alertRow{
		Exchange:    alert.Exchange,
		Instrument:  alert.Instrument,
		OldPrice:    alert.OldPrice.String(),
		NewPrice:    alert.NewPrice.String(),
		PercentDiff: alert.PercentDiff.String(),
		Minutes:     alert.Minutes,
		Message:     alert.Message,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts implements AlertRecorder.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	var rows []alertRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}

	alerts := make([]AlertRecord, 0, len(rows))
	for _, row := range rows {
		values, err := parseDecimals([]string{row.OldPrice, row.NewPrice, row.PercentDiff})
		if err != nil {
			return nil, fmt.Errorf("alert %d: %w", row.ID, err)
		}
		alerts = append(alerts, AlertRecord{
			ID:          row.ID,
			Exchange:    row.Exchange,
			Instrument:  row.Instrument,
			OldPrice:    values[0],
			NewPrice:    values[1],
			PercentDiff: values[2],
			Minutes:     row.Minutes,
			Message:     row.Message,
			CreatedAt:   row.CreatedAt,
		})
	}
	return alerts, nil
}

var (
	_ Backend       = (*SQLiteStore)(nil)
	_ AlertRecorder = (*SQLiteStore)(nil)
)
