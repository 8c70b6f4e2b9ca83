// Package monitor records gateway requests for the operator's history view.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kiro-nexus/internal/store"
)

// maxMemoryLogs bounds the in-memory recent-log cache.
const maxMemoryLogs = 100

// Monitor persists request logs and keeps running counters.
type Monitor struct {
	db *gorm.DB

	recent []store.RequestLog
	mu     sync.RWMutex

	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
}

// New builds a monitor and primes the counters from the database.
func New(db *gorm.DB) *Monitor {
	m := &Monitor{db: db, recent: make([]store.RequestLog, 0, maxMemoryLogs)}
	m.loadCounters()
	return m
}

// Record logs one request. The database write is async so the request path
// never blocks on logging.
func (m *Monitor) Record(entry store.RequestLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	m.total.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		m.success.Add(1)
	} else {
		m.failed.Add(1)
	}

	m.mu.Lock()
	m.recent = append([]store.RequestLog{entry}, m.recent...)
	if len(m.recent) > maxMemoryLogs {
		m.recent = m.recent[:maxMemoryLogs]
	}
	m.mu.Unlock()

	go func(e store.RequestLog) {
		if err := m.db.Create(&e).Error; err != nil {
			log.Printf("⚠️ Failed to save request log: %v", err)
		}
	}(entry)
}

// Logs returns the most recent request logs, newest first.
func (m *Monitor) Logs(limit int) []store.RequestLog {
	if limit <= 0 {
		limit = maxMemoryLogs
	}
	var logs []store.RequestLog
	if err := m.db.Order("timestamp DESC").Limit(limit).Find(&logs).Error; err != nil {
		log.Printf("⚠️ Failed to read request logs: %v", err)
		m.mu.RLock()
		defer m.mu.RUnlock()
		if limit > len(m.recent) {
			limit = len(m.recent)
		}
		return m.recent[:limit]
	}
	return logs
}

// Stats is the aggregate request counters.
type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Errors  int64 `json:"errors"`
}

// Counters returns the running totals.
func (m *Monitor) Counters() Stats {
	return Stats{
		Total:   m.total.Load(),
		Success: m.success.Load(),
		Errors:  m.failed.Load(),
	}
}

// Clear wipes the log history and resets counters.
func (m *Monitor) Clear() error {
	m.mu.Lock()
	m.recent = m.recent[:0]
	m.mu.Unlock()

	m.total.Store(0)
	m.success.Store(0)
	m.failed.Store(0)

	return m.db.Exec("DELETE FROM request_logs").Error
}

func (m *Monitor) loadCounters() {
	var total, success int64
	m.db.Model(&store.RequestLog{}).Count(&total)
	m.db.Model(&store.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	m.total.Store(total)
	m.success.Store(success)
	m.failed.Store(total - success)
}
