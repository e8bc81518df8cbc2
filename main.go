package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"slyntos/internal/account"
	"slyntos/internal/api"
	"slyntos/internal/auth"
	"slyntos/internal/config"
	"slyntos/internal/generation"
	"slyntos/internal/redis"
	"slyntos/internal/shell"
	"slyntos/internal/storage"
	"slyntos/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("SLYNTOS_CONFIG"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	dbType := os.Getenv("SLYNTOS_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	// Redis is optional; without it token validation always hits the database.
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, token cache disabled", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	ctx := context.Background()
	prov := cfg.Providers["gemini"]
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: prov.APIKey})
	if err != nil {
		logger.Fatal("init genai client", zap.Error(err))
	}

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/files"
	}

	backend := generation.NewGeminiBackend(genaiClient, prov, fileBase)
	genClient := generation.NewClient(backend, nil, logger)
	rewriter, err := generation.NewRewriter(ctx, genaiClient, prov.FastModel)
	if err != nil {
		logger.Fatal("init rewriter", zap.Error(err))
	}

	accountStore := store.NewAccountStore(db)
	sessionStore := store.NewSessionStore(db)
	registry := account.NewHTTPRegistry(cfg.Registry.BaseURL)
	accounts := account.NewService(accountStore, registry, logger)

	shellManager := shell.NewManager(sessionStore, genClient, rewriter, accounts, logger)

	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, rdb, tokenTTL)

	handlers := api.NewHandler(accounts, authService, shellManager, fileBase, logger)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
