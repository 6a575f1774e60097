// Package gormstore implements xipr.Storage on a relational database through
// GORM. Any GORM dialect works; the tests and xiprctl use SQLite.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/agilira/xipr"
)

// record is one key-value row.
type record struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name independently of GORM naming strategies.
func (record) TableName() string {
	return "xipr_kv"
}

// Store is a GORM-backed xipr.Storage.
type Store struct {
	db *gorm.DB
}

var _ xipr.Storage = (*Store)(nil)

// New wraps db and migrates the key-value table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to migrate key-value table")
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens (or creates) a SQLite database at dsn. Use ":memory:" for
// a throwaway database.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to open sqlite database")
	}
	return New(db)
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	row := record{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to upsert value")
	}
	return nil
}

// Get returns the value under key, or an error matching xipr.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var row record
	err := s.db.WithContext(ctx).Where(keyEq(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", xipr.ErrNotFound, goerrors.New(xipr.ErrCodeNotFound, "row not found"))
	}
	if err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to read value")
	}
	return row.Value, nil
}

// Delete removes key, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).Where(keyEq(key)).Delete(&record{})
	if res.Error != nil {
		return false, goerrors.Wrap(res.Error, xipr.ErrCodeStorage, "failed to delete value")
	}
	return res.RowsAffected > 0, nil
}

// keyEq matches the primary key column, quoted for the active dialect.
func keyEq(key string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
