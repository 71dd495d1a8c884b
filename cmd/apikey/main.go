// Command apikey mints an API key and stores its bcrypt hash. The raw key is
// printed once and cannot be recovered afterwards.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mw "github.com/kiranshivaraju/clipcoach/internal/api/middleware"
	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "cc_"

// KeyCreator is the slice of the store this command needs.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

func main() {
	var (
		nameFlag   string
		scopesFlag string
	)
	flag.StringVar(&nameFlag, "name", "", "Human-readable key name (required)")
	flag.StringVar(&scopesFlag, "scopes", "read,analyze", "Comma-separated scopes")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "reading .env: %v\n", err)
	}

	name := strings.TrimSpace(nameFlag)
	if name == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		os.Exit(1)
	}

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process(context.Background(), &dbCfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if dbCfg.URL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, dbCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	raw, key, err := createKey(ctx, store.NewPostgresStore(pool), rand.Reader, name, parseScopes(scopesFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "create api key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key %q created (id %s, scopes %s)\n", key.Name, key.ID, strings.Join(key.Scopes, ","))
	fmt.Println(raw)
}

// createKey generates a random key, persists its hash and returns the raw
// value together with the stored record.
func createKey(ctx context.Context, st KeyCreator, entropy io.Reader, name string, scopes []string) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		return "", nil, errors.New("at least one scope is required")
	}
	for _, sc := range scopes {
		if !models.ValidScope(sc) {
			return "", nil, fmt.Errorf("unknown scope %q (known: %s)", sc, strings.Join(models.KnownScopes, ","))
		}
	}

	buf := make([]byte, 24)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

func parseScopes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
