package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/ssd-technologies/obscura/internal/config"
	"github.com/ssd-technologies/obscura/internal/relay"
	"github.com/ssd-technologies/obscura/internal/storage"
)

func main() {
	configPath := flag.String("config", "obscura.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tokens := cfg.UserTokens
	if len(tokens) == 0 {
		// OBSCURA_USER_TOKENS=token1:user1,token2:user2
		tokens = parseTokenEnv(os.Getenv("OBSCURA_USER_TOKENS"))
	}
	if len(tokens) == 0 {
		log.Fatal("no user tokens configured; set user_tokens in the config file or OBSCURA_USER_TOKENS")
	}

	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	srv := relay.New(db, relay.StaticTokenAuthorizer(tokens), relay.Config{
		CommandTimeout:   cfg.CommandTimeout.Std(),
		SessionTTL:       cfg.SessionTTL.Std(),
		FrameSize:        cfg.FrameSize,
		MaxAttemptsPerIP: cfg.MaxAttemptsPerIP,
		AttemptWindow:    cfg.AttemptWindow.Std(),
		MaxConnsPerIP:    cfg.MaxConnsPerIP,
	})

	fmt.Printf("Obscura relay listening on %s\n", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, srv))
}

func parseTokenEnv(s string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		token, userID, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && token != "" && userID != "" {
			tokens[token] = userID
		}
	}
	return tokens
}
