// Package store is the single source of truth for per-user session state:
// one SQLite row per end user, keyed by the Telegram user id.
package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound reports a missing user record.
var ErrNotFound = errors.New("user not found")

// ErrNameTaken reports an anony-name uniqueness violation on create.
var ErrNameTaken = errors.New("anony name already taken")

// User mirrors the legacy users table. PEER_ID is overloaded: for bilateral
// statuses it holds the peer's user id, for broadcast statuses the channel
// short code.
type User struct {
	UserID       int64  `gorm:"column:USER_ID;primaryKey"`
	PeerID       string `gorm:"column:PEER_ID"`
	Type         string `gorm:"column:TYPE"`
	Status       string `gorm:"column:STATUS"`
	Timer        int    `gorm:"column:TIMER"`
	OTP          string `gorm:"column:OTP"`
	AnonyName    string `gorm:"column:ANONY_NAME;uniqueIndex"`
	MembershipID string `gorm:"column:MEMBERSHIP_ID"`
}

func (User) TableName() string { return "users" }

type Store struct {
	db *gorm.DB
}

// Open connects to SQLite and optionally migrates the users table. The pool
// is pinned to a single connection: the design assumes one writer process.
func Open(cfg Config) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(cfg.connString()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if cfg.AutoMigrate {
		if err := gdb.AutoMigrate(&User{}); err != nil {
			return nil, err
		}
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn against a transactional view of the store. Multi-row
// transitions compose the single-row operations under one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) Get(ctx context.Context, userID int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "USER_ID = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) Create(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if err != nil && isUniqueViolation(err) {
		return ErrNameTaken
	}
	return err
}

func (s *Store) Upsert(ctx context.Context, u *User) error {
	return s.db.WithContext(ctx).Save(u).Error
}

func (s *Store) FindByStatus(ctx context.Context, status string) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).Find(&users, "STATUS = ?", status).Error
	return users, err
}

func (s *Store) FindByAnonyName(ctx context.Context, name string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "ANONY_NAME = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindListenersByChannel returns every listener currently joined to the
// channel short code.
func (s *Store) FindListenersByChannel(ctx context.Context, code string) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).Find(&users, "PEER_ID = ? AND STATUS = ?", code, "LISTENER").Error
	return users, err
}

// FindBroadcasterByChannel returns the live broadcaster for the channel short
// code, or ErrNotFound when no one is broadcasting on it.
func (s *Store) FindBroadcasterByChannel(ctx context.Context, code string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "PEER_ID = ? AND STATUS = ?", code, "BROADCASTER").Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CountListeners(ctx context.Context, code string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("PEER_ID = ? AND STATUS = ?", code, "LISTENER").Count(&n).Error
	return n, err
}

// CountByStatus summarizes the user table for the operator console.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&User{}).
		Select("STATUS as status, COUNT(*) as n").Group("STATUS").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
