package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"gatehouse/bot/internal/config"
	"gatehouse/bot/internal/engine"
	"gatehouse/bot/internal/hierarchy"
	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/platform/discord"
	"gatehouse/bot/internal/registry"
	"gatehouse/bot/internal/search"
	"gatehouse/bot/internal/session"
	"gatehouse/bot/internal/transcript"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.BotToken == "" {
		log.Fatal("GATEHOUSE_BOT_TOKEN is required")
	}

	db, err := registry.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := registry.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	reg := registry.NewPostgresRegistry(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	storage, err := transcript.NewStorage(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		log.Fatalf("transcript storage failed: %v", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, reg)

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		log.Fatalf("discord session failed: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	adapter := discord.NewAdapter(dg)
	caller := platform.NewCaller(cfg.PlatformRatePerSecond, cfg.PlatformMaxRetries)
	archiver := transcript.NewArchiver(adapter, caller, storage, transcript.Format(cfg.TranscriptFormat), cfg.TranscriptPageSize, cfg.TranscriptMaxMessages)
	hier := hierarchy.NewIndex()

	eng := engine.New(adapter, caller, sessions, reg, hier, archiver, searchService)

	gateway := discord.NewGateway(dg, adapter, eng, searchService)
	gateway.Attach()

	if err := dg.Open(); err != nil {
		log.Fatalf("gateway connection failed: %v", err)
	}

	for _, guild := range dg.State.Guilds {
		if err := gateway.RegisterCommands(guild.ID); err != nil {
			log.Printf("WARNING: register commands on %s: %v", guild.ID, err)
		}
	}

	log.Printf("gatehouse running as %s", dg.State.User.Username)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Closing the gateway waits for in-flight handlers; bound that wait.
	done := make(chan struct{})
	go func() {
		if err := dg.Close(); err != nil {
			log.Printf("gateway close error: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.Printf("shutdown timed out after %s", cfg.ShutdownTimeout)
	}
}
