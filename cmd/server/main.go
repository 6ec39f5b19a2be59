// Package main is the entry point of the Kiro OpenAI Gateway. The server
// exposes an OpenAI-compatible chat API backed by the CodeWhisperer
// streaming API, with stored Kiro accounts rotated round-robin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/api"
	"github.com/router-for-me/KiroGateway/internal/api/handlers"
	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/config"
	"github.com/router-for-me/KiroGateway/internal/logging"
	"github.com/router-for-me/KiroGateway/internal/pool"
	"github.com/router-for-me/KiroGateway/internal/runtime/executor"
	"github.com/router-for-me/KiroGateway/internal/store"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  string
		socialLogin string
		deviceLogin bool
		accountName string
	)
	flag.StringVar(&configPath, "config", "config.yml", "path to the configuration file")
	flag.StringVar(&socialLogin, "login", "", "run an interactive social login (google or github) and exit")
	flag.BoolVar(&deviceLogin, "device-login", false, "run an AWS Builder ID device-code login and exit")
	flag.StringVar(&accountName, "name", "", "account name to store after -login/-device-login")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logging.Configure(cfg.LoggingLevel, cfg.LogFile)
	log.Infof("Kiro OpenAI Gateway %s (%s, built %s)", Version, Commit, BuildDate)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.AccountsFile)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warnf("close account store: %v", err)
		}
	}()

	flows := kiro.NewFlowManager(kiro.FlowOptions{
		CallbackPortStart: cfg.OAuth.CallbackPortStart,
		CallbackPortEnd:   cfg.OAuth.CallbackPortEnd,
		AuthTimeout:       time.Duration(cfg.OAuth.AuthTimeout) * time.Second,
		PollInterval:      time.Duration(cfg.OAuth.PollInterval) * time.Second,
		Region:            cfg.KiroRegion,
	})

	if socialLogin != "" || deviceLogin {
		if err := runLogin(ctx, flows, st, socialLogin, deviceLogin, accountName); err != nil {
			log.Fatalf("login failed: %v", err)
		}
		return
	}

	refresher := kiro.NewRefresher(st)
	accountPool := pool.New(st, refresher)
	if err := accountPool.Load(ctx); err != nil {
		log.Fatalf("load account pool: %v", err)
	}
	accountPool.Start(ctx)
	defer accountPool.Stop()

	var manager *kiro.Manager
	if cfg.RefreshToken != "" || cfg.KiroCredsFile != "" {
		manager, err = kiro.NewManager(kiro.ManagerOptions{
			RefreshToken:     cfg.RefreshToken,
			ProfileArn:       cfg.ProfileArn,
			Region:           cfg.KiroRegion,
			CredsFile:        cfg.KiroCredsFile,
			FallbackInterval: time.Duration(cfg.RefreshInterval) * time.Second,
		})
		if err != nil {
			log.Fatalf("load single credential: %v", err)
		}
		if manager.HasCredential() && accountPool.Size() == 0 {
			manager.Start()
			defer manager.Stop()
		}
	}

	switch {
	case cfg.AuthMode == "per_request":
		log.Info("auth mode: per-request refresh tokens")
	case accountPool.Size() > 0:
		log.Infof("auth mode: account pool (%d account(s))", accountPool.Size())
	case manager != nil && manager.HasCredential():
		log.Info("auth mode: single configured credential")
	default:
		log.Warn("no Kiro credential configured; chat requests will fail until one is added")
	}

	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)
	currentCfg := func() *config.Config { return liveCfg.Load() }

	resolver := middleware.NewResolver(accountPool, manager,
		func() bool { return currentCfg().AuthMode == "per_request" },
		func() string { return currentCfg().KiroRegion },
	)

	h := handlers.New(currentCfg, st, accountPool, manager, flows, resolver, executor.NewClient())
	server := api.NewServer(cfg, h)

	stopWatch, err := config.Watch(configPath, func(updated *config.Config) {
		liveCfg.Store(updated)
		server.UpdateConfig(updated)
	})
	if err != nil {
		log.Warnf("configuration watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}
}

// runLogin drives one interactive login flow on the terminal and stores the
// resulting account.
func runLogin(ctx context.Context, flows *kiro.FlowManager, st store.Store, provider string, device bool, name string) error {
	var (
		info *kiro.StartInfo
		err  error
	)
	if device {
		info, err = flows.StartDeviceCode(ctx)
	} else {
		info, err = flows.StartSocial(ctx, provider)
	}
	if err != nil {
		return err
	}

	if device {
		fmt.Printf("Open %s and enter code %s\n", info.VerificationURI, info.UserCode)
	} else {
		fmt.Printf("Open the following URL to sign in:\n\n  %s\n\n", info.AuthURL)
	}
	fmt.Println("Waiting for the login to complete...")

	result, err := flows.Wait(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		name = result.AuthMethod + "-" + time.Now().Format("20060102-150405")
	}
	inserted, err := st.Insert(ctx, result.Record(name))
	if err != nil {
		return err
	}
	fmt.Printf("Stored account %q (id %d)\n", inserted.Name, inserted.ID)
	return nil
}
