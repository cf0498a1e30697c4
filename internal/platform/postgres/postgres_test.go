package postgres

import (
	"context"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidate_IdleExceedsOpen(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error when idle > open")
	}
}

func TestConfigFromEnv_InvalidAutoMigrate(t *testing.T) {
	t.Setenv("DATABASE_AUTO_MIGRATE", "sometimes")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error")
	}
}

func TestInTx_RequiresDB(t *testing.T) {
	if err := InTx(context.Background(), nil, nil, nil); err == nil {
		t.Fatalf("InTx() expected error for nil db")
	}
}
