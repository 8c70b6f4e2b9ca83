package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Document is a persisted whole-document blob, one row per key.
type Document struct {
	Key       string `gorm:"primaryKey"`
	Blob      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config stores application configuration like the gateway API key.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestLog stores one gateway request for operator diagnosis.
type RequestLog struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Timestamp    int64  `gorm:"index" json:"timestamp"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	Duration     int64  `json:"duration"` // milliseconds
	Model        string `gorm:"index" json:"model,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// OpenDB opens the SQLite database and runs migrations.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Document{}, &Config{}, &RequestLog{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SQLiteStore implements DocumentStore on a documents table.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore wraps an open database as a DocumentStore.
func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(key string) ([]byte, error) {
	var doc Document
	err := s.db.First(&doc, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(doc.Blob) == 0 {
		return nil, ErrNotFound
	}
	return doc.Blob, nil
}

func (s *SQLiteStore) Save(key string, blob []byte) error {
	doc := Document{Key: key, Blob: blob}
	return s.db.Save(&doc).Error
}

// EnsureAPIKey generates the gateway API key on first run.
func EnsureAPIKey(db *gorm.DB) {
	var cfg Config
	if err := db.Where("key = ?", "api_key").First(&cfg).Error; err == nil {
		return
	}
	apiKey := newAPIKey()
	db.Create(&Config{Key: "api_key", Value: apiKey})
	log.Printf("🔑 Generated new API key: %s", apiKey)
}

// GetAPIKey retrieves the gateway API key.
func GetAPIKey(db *gorm.DB) string {
	var cfg Config
	db.Where("key = ?", "api_key").First(&cfg)
	return cfg.Value
}

// RegenerateAPIKey replaces the gateway API key.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	db.Model(&Config{}).Where("key = ?", "api_key").Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s", apiKey)
	return apiKey
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}
