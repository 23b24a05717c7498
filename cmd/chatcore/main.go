package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"directchat/internal/app"
	"directchat/internal/config"
	"directchat/internal/util"
	"directchat/pkg/domain"
	"directchat/pkg/session"
	"directchat/pkg/storage"
)

func main() {
	var (
		configPath = flag.String("config", config.ConfigPath, "path to config.yaml")
		register   = flag.Bool("register", false, "create the account before sending")
		email      = flag.String("email", "", "account email")
		password   = flag.String("password", "", "account password")
		to         = flag.String("to", "", "peer email")
		text       = flag.String("text", "", "message text")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	pollInterval, err := config.ParsePollInterval(cfg.PollInterval)
	if err != nil {
		util.Fatal("invalid poll interval", "err", err)
	}
	avatarTTL, err := config.ParseAvatarURLTTL(cfg.AvatarURLTTL)
	if err != nil {
		util.Fatal("invalid avatar url ttl", "err", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		util.Fatal("invalid session ttl", "err", err)
	}

	core, err := app.New(app.Config{
		DocumentBackend: cfg.DocumentBackend,
		DatabaseURL:     cfg.DatabaseURL,
		PollInterval:    pollInterval,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RedisPrefix:     cfg.RedisPrefix,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLExpiry: avatarTTL,
		},
		JWTSecret:               cfg.JWTSecret,
		JWTIssuer:               cfg.JWTIssuer,
		SessionTTL:              sessionTTL,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		IndexMode:               cfg.IndexMode,
		IndexWorkers:            cfg.IndexWorkers,
		IndexStream:             cfg.IndexStream,
		Logger:                  logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer core.Close()

	if *password == "" {
		*password, err = readPassword()
		if err != nil {
			util.Fatal("failed to read password", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, core, *register, *email, *password, *to, *text); err != nil {
		slog.Error("chatcore failed", "err", err)
		core.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, core *app.App, register bool, email, password, to, text string) error {
	creds := domain.Credentials{Email: email, Password: password}
	var (
		uid string
		err error
	)
	if register {
		uid, err = core.Sessions.Register(ctx, creds, session.Profile{})
	} else {
		uid, err = core.Sessions.Login(ctx, creds)
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	slog.Info("signed in", "userId", uid)

	if to != "" && text != "" {
		peer, err := core.Profiles.FindByEmail(ctx, to)
		if err != nil {
			return fmt.Errorf("find peer: %w", err)
		}
		c, err := core.OpenChat(ctx, peer.ID, nil)
		if err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
		msg, err := c.Send(ctx, text)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		slog.Info("message sent", "messageId", msg.ID, "to", peer.Email)
		core.FlushIndex()
	}

	entries, err := core.Recent.List(ctx, uid)
	if err != nil {
		return fmt.Errorf("list recent: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Peer.Email, e.Text)
	}
	return nil
}

// readPassword prompts on the terminal without echo.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required: pass -password or run from a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
