package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"quilt-bridge/internal/auth"
	"quilt-bridge/internal/store"
)

// runLogin drives the interactive passwordless login: email in, code out of
// the inbox, tokens into the store.
func runLogin(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reader := bufio.NewReader(os.Stdin)

	email, err := prompt(reader, "Email: ")
	if err != nil {
		return err
	}

	client := auth.NewClient(nil, cfg.Quilt.Region, cfg.Quilt.ClientID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	challenge, err := client.InitiateCustomAuth(ctx, email)
	if err != nil {
		return fmt.Errorf("request login code: %w", err)
	}
	fmt.Println("A login code was sent to your email.")

	code, err := prompt(reader, "Code: ")
	if err != nil {
		return err
	}

	tokens, err := client.RespondToChallenge(ctx, challenge, code)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}

	err = db.SaveTokens(&store.TokenRecord{
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	logger.Info("login successful", "store", cfg.Store.Path)
	fmt.Println("Logged in. Start the bridge with: quilt-bridge")
	return nil
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("empty input")
	}
	return value, nil
}
