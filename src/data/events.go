package data

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/stake-plus/hayes/src/modules/core"
	"gorm.io/gorm"
)

// ModuleEvent is one row of the module lifecycle audit table.
type ModuleEvent struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Kind         string    `gorm:"size:16;not null;index"`
	Module       string    `gorm:"size:255;not null;index"`
	Declarations string    `gorm:"type:text"`
	Fingerprint  string    `gorm:"size:16"`
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

// NewModuleEvent converts a runtime lifecycle event to a table row.
func NewModuleEvent(ev core.ModuleEvent) ModuleEvent {
	row := ModuleEvent{
		Kind:         string(ev.Kind),
		Module:       ev.Module,
		Declarations: strings.Join(ev.Declarations, ","),
		Error:        ev.Error,
		CreatedAt:    ev.At,
	}
	if ev.Fingerprint != 0 {
		row.Fingerprint = strconv.FormatUint(ev.Fingerprint, 16)
	}
	return row
}

// Recorder writes every lifecycle event to the module_events table.
type Recorder struct {
	db  *gorm.DB
	log *slog.Logger
}

var _ core.Observer = (*Recorder)(nil)

// NewRecorder returns an observer that stores events through db.
func NewRecorder(db *gorm.DB, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{db: db, log: log}
}

// ObserveModule implements core.Observer. Failures are logged, never returned.
func (r *Recorder) ObserveModule(ctx context.Context, ev core.ModuleEvent) {
	row := NewModuleEvent(ev)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.log.Warn("data: record module event failed",
			slog.String("module", ev.Module), slog.Any("error", err))
	}
}

// RecentEvents returns the newest events for module, or for every module
// when module is empty.
func RecentEvents(ctx context.Context, db *gorm.DB, module string, limit int) ([]ModuleEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if module != "" {
		q = q.Where("module = ?", module)
	}
	var rows []ModuleEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
