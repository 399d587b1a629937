// Command pushcli is an example host: it loads a viper config,
// wires a JSON-file storage backend, starts a pushmanager.Manager,
// subscribes once against a configured applicationServerKey, and logs
// every notification it receives.
//
// Grounded on nzlov/sw's main.go viper setup
// (SetConfigType/SetConfigName/AddConfigPath/AutomaticEnv/ReadInConfig/
// Unmarshal) and shinosaki/webpush-client-go's examples/nicopush/main.go
// overall shape (load config, run client, log each notification).
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/pushmanager"
	"github.com/bitwarden/autopush-manager/storage"
	"github.com/bitwarden/autopush-manager/subscription"
)

// cliConfig is the subset of pushmanager.Options a host configures
// externally, plus the one subscription this example CLI maintains.
type cliConfig struct {
	AutopushURL          string `mapstructure:"autopush_url"`
	AckIntervalMs        int    `mapstructure:"ack_interval_ms"`
	StoragePath          string `mapstructure:"storage_path"`
	ApplicationServerKey string `mapstructure:"application_server_key"`
	UserVisibleOnly      bool   `mapstructure:"user_visible_only"`
}

func defConfig() cliConfig {
	return cliConfig{
		AutopushURL:     pushmanager.DefaultAutopushURL,
		AckIntervalMs:   30000,
		StoragePath:     "pushcli.json",
		UserVisibleOnly: true,
	}
}

func main() {
	zlog, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(zlog)
	logger := logging.New(zlog)
	sugar := zlog.Sugar()

	cfg := defConfig()
	viper.SetConfigType("yaml")
	viper.SetConfigName("pushcli")
	viper.AddConfigPath("./")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := viper.ReadInConfig(); err != nil {
		sugar.Warn("no config file found, using defaults and environment: ", err)
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		sugar.Fatal("config unmarshal error: ", err)
	}

	if cfg.ApplicationServerKey == "" {
		sugar.Fatal("application_server_key is required")
	}

	backend, err := storage.NewJSONFileBackend(cfg.StoragePath)
	if err != nil {
		sugar.Fatal("open storage: ", err)
	}
	store := storage.New(backend)

	mgr, err := pushmanager.New(store, logger, pushmanager.Options{
		AutopushURL:   cfg.AutopushURL,
		AckIntervalMs: cfg.AckIntervalMs,
	})
	if err != nil {
		sugar.Fatal("start manager: ", err)
	}
	defer mgr.Destroy()

	sub, err := mgr.Subscribe(subscription.Options{
		UserVisibleOnly:      cfg.UserVisibleOnly,
		ApplicationServerKey: cfg.ApplicationServerKey,
	})
	if err != nil {
		sugar.Fatal("subscribe: ", err)
	}
	sugar.Info("subscribed: ", sub.Endpoint())

	sub.AddEventListener(subscription.EventNotification, func(args ...any) {
		payload, _ := args[0].(*string)
		if payload == nil {
			sugar.Info("notification received (no payload)")
			return
		}
		sugar.Info("notification received: ", *payload)
	})
	sub.AddEventListener(subscription.EventSubscriptionChange, func(args ...any) {
		sugar.Info("subscription changed: ", args[0])
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sugar.Info("shutting down")
}
