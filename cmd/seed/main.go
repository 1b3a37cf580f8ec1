package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/config"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// seed loads vendors, products and stock levels from a JSON file.
func main() {
	file := flag.String("file", "seed.json", "catalog seed file")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-seed", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal("open seed", zap.Error(err))
	}
	defer f.Close()
	seed, err := catalog.LoadSeed(f)
	if err != nil {
		log.Fatal("load seed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	if err := seed.Apply(ctx, postgres.NewStore(db)); err != nil {
		log.Fatal("apply seed", zap.Error(err))
	}
	log.Info("seeded", zap.Int("vendors", len(seed.Vendors)), zap.Int("products", len(seed.Products)))
}
