package data

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/hayes/src/modules/core"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestEnsureParam(t *testing.T) {
	tests := []struct {
		dsn, want string
	}{
		{"u:p@tcp(db:3306)/hayes", "u:p@tcp(db:3306)/hayes?parseTime=true"},
		{"u:p@tcp(db:3306)/hayes?tls=true", "u:p@tcp(db:3306)/hayes?tls=true&parseTime=true"},
		{"u:p@tcp(db:3306)/hayes?parseTime=false", "u:p@tcp(db:3306)/hayes?parseTime=false"},
	}
	for _, tt := range tests {
		if got := ensureParam(tt.dsn, "parseTime", "true"); got != tt.want {
			t.Errorf("ensureParam(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestSettingsCache(t *testing.T) {
	s := NewSettings(nil)
	s.replace([]Setting{{Name: "module_dir", Value: "/srv/modules"}, {Name: "owners", Value: "1,2"}})
	if s.Get("module_dir") != "/srv/modules" || s.Get("missing") != "" {
		t.Errorf("unexpected cache contents: %v", s.All())
	}
	all := s.All()
	all["module_dir"] = "changed"
	if s.Get("module_dir") != "/srv/modules" {
		t.Error("All must return a copy")
	}
}

func sampleEvent() core.ModuleEvent {
	return core.ModuleEvent{
		Kind:         core.ModuleHooked,
		Module:       "ping.lua",
		Declarations: []string{"Ping", "Pong"},
		Fingerprint:  0xabc,
		At:           time.Unix(1700000000, 0).UTC(),
	}
}

func TestNewModuleEvent(t *testing.T) {
	row := NewModuleEvent(sampleEvent())
	if row.Kind != "hooked" || row.Module != "ping.lua" || row.Declarations != "Ping,Pong" {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.Fingerprint != "abc" {
		t.Errorf("fingerprint should be hex, got %q", row.Fingerprint)
	}
	if NewModuleEvent(core.ModuleEvent{Kind: core.ModuleFailed}).Fingerprint != "" {
		t.Error("zero fingerprint should stay empty")
	}
}

func TestRecorderBuildsInsert(t *testing.T) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "u:p@tcp(127.0.0.1:1)/hayes",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	row := NewModuleEvent(sampleEvent())
	stmt := db.Create(&row).Statement
	sql := stmt.SQL.String()
	if !strings.Contains(sql, "INSERT INTO `module_events`") {
		t.Errorf("unexpected sql: %s", sql)
	}

	// Dry runs never fail, so the recorder logs nothing and returns.
	NewRecorder(db, slog.New(slog.NewTextHandler(io.Discard, nil))).ObserveModule(context.Background(), sampleEvent())
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestStreamPublisher(t *testing.T) {
	fs := &fakeStream{}
	p := NewStreamPublisher(fs, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.ObserveModule(context.Background(), sampleEvent())

	if len(fs.args) != 1 {
		t.Fatalf("expected one XAdd, got %d", len(fs.args))
	}
	a := fs.args[0]
	if a.Stream != DefaultStream {
		t.Errorf("expected default stream, got %q", a.Stream)
	}
	values, ok := a.Values.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected values type %T", a.Values)
	}
	if values["kind"] != "hooked" || values["fingerprint"] != "abc" || values["declarations"] != "Ping,Pong" {
		t.Errorf("unexpected payload: %v", values)
	}
	if _, ok := values["error"]; ok {
		t.Error("error key should be absent on success events")
	}

	fs.err = errors.New("down")
	if err := PublishModuleEvent(context.Background(), fs, "s", core.ModuleEvent{Kind: core.ModuleFailed, Error: "boom"}); err == nil {
		t.Error("xadd error should surface")
	}
	if fs.args[1].Values.(map[string]interface{})["error"] != "boom" {
		t.Error("failure events carry the error")
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not a url"); err == nil {
		t.Error("bad url should fail")
	}
	rdb, err := NewRedis("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("valid url: %v", err)
	}
	_ = rdb.Close()
}
