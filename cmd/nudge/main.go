// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nudge runs the conversational onboarding service.
//
// Usage:
//
//	nudge serve --config nudge.yaml
//	nudge version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/nudge/pkg/channels"
	"github.com/kadirpekel/nudge/pkg/config"
	"github.com/kadirpekel/nudge/pkg/definition"
	"github.com/kadirpekel/nudge/pkg/delivery"
	"github.com/kadirpekel/nudge/pkg/events"
	"github.com/kadirpekel/nudge/pkg/llms"
	"github.com/kadirpekel/nudge/pkg/logger"
	"github.com/kadirpekel/nudge/pkg/notify"
	"github.com/kadirpekel/nudge/pkg/onboarding"
	"github.com/kadirpekel/nudge/pkg/server"
	"github.com/kadirpekel/nudge/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the onboarding service."`

	Config    string `short:"c" help:"Path to config file (empty = env only)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nudge version %s\n", version)
	return nil
}

// ServeCmd starts the service.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := slog.Default()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	definitions := definition.NewStore(cfg.Onboarding.DefinitionsDir, log)
	if _, err := definitions.Load(cfg.Onboarding.DefinitionID); err != nil {
		return fmt.Errorf("failed to load definition %q: %w", cfg.Onboarding.DefinitionID, err)
	}

	provider, err := llms.NewAnthropicProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	log.Info("llm provider ready", slog.String("model", provider.ModelName()))

	notifier := notify.NewWebhookNotifier(cfg.Webhook, log)

	// Completions always feed the prometheus counter; the AMQP mirror is
	// chained behind it when a broker is configured.
	sink := &server.CompletionMetricsSink{}
	if cfg.Events.URL != "" {
		publisher, err := events.NewPublisher(cfg.Events, log)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		defer publisher.Close()
		sink.Next = publisher
	}

	svc := onboarding.NewService(st, definitions, provider, notifier,
		cfg.Onboarding.DefinitionID,
		onboarding.WithHistoryWindow(cfg.Onboarding.HistoryWindow),
		onboarding.WithLogger(log),
		onboarding.WithEventSink(sink),
	)

	telegram := channels.NewTelegram(cfg.Telegram, svc, channels.WithTelegramLogger(log))

	group, groupCtx := errgroup.WithContext(ctx)

	var (
		queue     *delivery.Queue
		waChannel *channels.WhatsApp
		pairing   *channels.PairingState
		sender    server.Sender
		waEvents  server.WhatsAppChannel
	)
	if cfg.WhatsApp.Enabled {
		transport := delivery.NewBridgeTransport(cfg.WhatsApp.BridgeURL, log)
		queue = delivery.NewQueue(transport, delivery.WithQueueLogger(log))
		queue.Start(ctx)
		defer queue.Stop()

		pairing = channels.NewPairingState()
		waChannel = channels.NewWhatsApp(svc, queue, pairing, log)
		sender = queue
		waEvents = waChannel
		log.Info("whatsapp channel enabled", slog.String("bridge", cfg.WhatsApp.BridgeURL))

		supervisor := delivery.NewSupervisor(transport, log)
		group.Go(func() error {
			err := supervisor.Run(groupCtx)
			if errors.Is(err, delivery.ErrLoggedOut) {
				// Keep serving so the pairing endpoints stay reachable.
				pairing.SetDisconnected()
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	srv := server.New(cfg.Server, st, telegram, sender, waEvents, pairing, definitions, log)

	group.Go(func() error {
		return srv.Start(groupCtx)
	})
	group.Go(func() error {
		if err := telegram.SetupWebhook(groupCtx); err != nil {
			// Registration can be retried through GET /telegram/setup.
			log.Warn("telegram webhook registration failed", slog.Any("error", err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Name("nudge"),
		kong.Description("Conversational onboarding over WhatsApp and Telegram."),
		kong.UsageOnError(),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFn, err := logger.OpenLogFile(cli.LogFile)
		parser.FatalIfErrorf(err)
		defer closeFn()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
