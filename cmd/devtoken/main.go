// devtoken provisions a development user and prints a session token for it.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/config"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

const uidAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func main() {
	userID := flag.String("user", "", "Existing user ID to mint a token for")
	name := flag.String("name", "", "Display name for a new user")
	push := flag.String("push", "", "Notification address for a new user")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *userID == "" && *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: devtoken -name <display-name> [-push <address>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "       devtoken -user <user-id> [-ttl 24h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	exitOnError(err)

	ctx := context.Background()
	ds, err := open(ctx, cfg)
	exitOnError(err)
	defer ds.Close()

	var user *models.User
	if *name != "" {
		uid, err := newUID()
		exitOnError(err)
		user = &models.User{
			ID:                  uuid.NewString(),
			UID:                 uid,
			DisplayName:         *name,
			NotificationAddress: *push,
			CreatedAt:           time.Now().UTC(),
		}
		exitOnError(ds.CreateUser(ctx, user))
	} else {
		user, err = ds.GetUser(ctx, *userID)
		exitOnError(err)
		if user == nil {
			exitOnError(fmt.Errorf("user %s not found", *userID))
		}
	}

	token, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer).Issue(user.ID, *ttl)
	exitOnError(err)

	fmt.Printf("User ID: %s\n", user.ID)
	fmt.Printf("UID:     %s\n", user.UID)
	fmt.Printf("Token:   %s\n", token)
}

func open(ctx context.Context, cfg *config.Config) (store.DataStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("store %q does not persist users across processes", cfg.Store)
	}
}

// newUID returns a 10-character public handle.
func newUID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = uidAlphabet[int(b)%len(uidAlphabet)]
	}
	return string(buf), nil
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
