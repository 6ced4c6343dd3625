package data

import (
	"sync"

	"gorm.io/gorm"
)

// Setting represents a configuration setting stored in the database.
type Setting struct {
	ID     uint   `gorm:"primaryKey"`
	Name   string `gorm:"size:64;not null;uniqueIndex"`
	Value  string `gorm:"type:text;not null"`
	Active uint8  `gorm:"not null;default:1"`
}

// Settings caches the active rows of the settings table.
type Settings struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]string
}

// NewSettings returns an empty cache over db. Call Load before Get.
func NewSettings(db *gorm.DB) *Settings {
	return &Settings{db: db, cache: map[string]string{}}
}

// Load replaces the cache with every active setting.
func (s *Settings) Load() error {
	var rows []Setting
	if err := s.db.Where("active = ?", 1).Find(&rows).Error; err != nil {
		return err
	}
	s.replace(rows)
	return nil
}

func (s *Settings) replace(rows []Setting) {
	cache := make(map[string]string, len(rows))
	for _, r := range rows {
		cache[r.Name] = r.Value
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Get returns a cached setting, or "" when it is unset.
func (s *Settings) Get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[name]
}

// All returns a copy of the cache.
func (s *Settings) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}
