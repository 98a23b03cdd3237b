package modelregistry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/db"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
)

func TestStoreCheckModel(t *testing.T) {
	dsn := fmt.Sprintf("file:modelregistry_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := db.Open(dsn, db.PoolConfig{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	ctx := context.Background()

	if errCreate := conn.Create(&models.AIModel{Name: "gpt-4o", Provider: "openai", IsActive: true}).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}
	store := NewStore(conn)
	if errLoad := store.Load(ctx); errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if got := len(store.Snapshot()); got != 1 {
		t.Fatalf("expected 1 cached model, got %d", got)
	}
	if errCheck := store.CheckModel(ctx, "GPT-4o"); errCheck != nil {
		t.Fatalf("check cached model: %v", errCheck)
	}

	// Inserted after Load: served from the database on miss.
	if _, errReg := store.Register(ctx, "claude-sonnet", "Anthropic"); errReg != nil {
		t.Fatalf("register: %v", errReg)
	}
	if _, errReg := store.Register(ctx, "claude-sonnet", "anthropic"); errReg != nil {
		t.Fatalf("register twice: %v", errReg)
	}
	if errCheck := store.CheckModel(ctx, "claude-sonnet"); errCheck != nil {
		t.Fatalf("check registered model: %v", errCheck)
	}

	if errSet := store.SetActive(ctx, "gpt-4o", false); errSet != nil {
		t.Fatalf("deactivate: %v", errSet)
	}
	if errCheck := store.CheckModel(ctx, "gpt-4o"); !errors.Is(errCheck, errs.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", errCheck)
	}
	if errCheck := store.CheckModel(ctx, "unknown"); !errors.Is(errCheck, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", errCheck)
	}
	if errCheck := store.CheckModel(ctx, " "); !errors.Is(errCheck, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", errCheck)
	}
	if errSet := store.SetActive(ctx, "unknown", true); !errors.Is(errSet, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", errSet)
	}
}
