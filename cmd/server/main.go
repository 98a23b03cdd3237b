package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/app"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/config"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/security"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath   string
		envFile      string
		migrateOnly  bool
		hashAdminKey string
	)
	flag.StringVar(&configPath, "config", "", "path to config.yaml (default $METERING_CONFIG or ./config.yaml)")
	flag.StringVar(&envFile, "env", ".env", "optional .env file")
	flag.BoolVar(&migrateOnly, "migrate", false, "run database migrations and exit")
	flag.StringVar(&hashAdminKey, "hash-admin-key", "", "print the bcrypt hash of the given admin key and exit")
	flag.Parse()

	if hashAdminKey != "" {
		hash, errHash := security.HashAdminKey(hashAdminKey)
		if errHash != nil {
			log.Fatalf("hash admin key: %v", errHash)
		}
		fmt.Println(hash)
		return
	}

	if errEnv := config.LoadEnvFile(envFile); errEnv != nil {
		log.Fatalf("%v", errEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.AppConfig{ConfigPath: configPath, EnvFile: envFile}
	if migrateOnly {
		if errMigrate := app.Migrate(ctx, cfg); errMigrate != nil {
			log.Fatalf("migrate: %v", errMigrate)
		}
		return
	}
	if !config.ConfigExists(configPath) {
		log.Warnf("config file %s not found, using defaults and environment", config.ResolveConfigPath(configPath))
	}
	if errRun := app.RunServer(ctx, cfg); errRun != nil {
		log.Fatalf("server: %v", errRun)
	}
}
