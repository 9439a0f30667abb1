package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/storage/postgres"
)

type catalogJSON struct {
	Products  []productJSON  `json:"products"`
	Customers []customerJSON `json:"customers"`
}

type productJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Variants []struct {
		ID       string          `json:"id"`
		SKU      string          `json:"sku"`
		Price    decimal.Decimal `json:"price"`
		Quantity int             `json:"quantity"`
	} `json:"variants"`
}

type customerJSON struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Addresses []struct {
		ID         string `json:"id"`
		Line1      string `json:"line1"`
		Line2      string `json:"line2"`
		City       string `json:"city"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
	} `json:"addresses"`
	Cart []struct {
		VariantID string `json:"variant_id"`
		Quantity  int    `json:"quantity"`
	} `json:"cart"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
		apiKey      string
		pepper      string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "ops API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_OPS_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if pepper == "" {
		pepper = os.Getenv("KART_OPS_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, pepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	catalog, err := readCatalog(catalogFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	db := postgres.New(pool)
	fixtures := postgres.NewFixtures(db)

	if err := seedProducts(ctx, fixtures, catalog.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedCustomers(ctx, fixtures, catalog.Customers); err != nil {
		return errors.Wrap(err, "seed customers")
	}

	if apiKey == "" {
		slog.Info("no API key given, skipping")
		return nil
	}
	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(db), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func readCatalog(path string) (*catalogJSON, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog file")
	}
	var c catalogJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &c, nil
}

func seedProducts(ctx context.Context, f *postgres.Fixtures, products []productJSON) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		variants := make([]inventory.Variant, 0, len(p.Variants))
		active := false
		for _, v := range p.Variants {
			variants = append(variants, inventory.Variant{
				ID:        v.ID,
				ProductID: p.ID,
				SKU:       v.SKU,
				Price:     v.Price,
				Quantity:  v.Quantity,
				Active:    v.Quantity > 0,
			})
			active = active || v.Quantity > 0
		}

		if err := f.UpsertProduct(ctx, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Category: p.Category,
			Active:   active,
		}, variants...); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("variants", len(variants)),
		)
	}
	return nil
}

func seedCustomers(ctx context.Context, f *postgres.Fixtures, customers []customerJSON) error {
	slog.Info("upserting customers", slog.Int("count", len(customers)))

	for _, c := range customers {
		addresses := make([]customer.Address, 0, len(c.Addresses))
		for _, a := range c.Addresses {
			addresses = append(addresses, customer.Address{
				ID:         a.ID,
				CustomerID: c.ID,
				Line1:      a.Line1,
				Line2:      a.Line2,
				City:       a.City,
				PostalCode: a.PostalCode,
				Country:    a.Country,
			})
		}
		if err := f.UpsertCustomer(ctx, customer.Customer{ID: c.ID, Email: c.Email, Name: c.Name}, addresses...); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.ID)
		}

		if len(c.Cart) == 0 {
			continue
		}
		lines := make([]cart.Line, 0, len(c.Cart))
		for _, l := range c.Cart {
			lines = append(lines, cart.Line{VariantID: l.VariantID, Quantity: l.Quantity})
		}
		// Carts are seeded in checkout so orders can be created right away.
		if err := f.PutCart(ctx, cart.Cart{
			ID:                "cart-" + c.ID,
			CustomerID:        c.ID,
			CheckoutStartedAt: time.Now().UTC(),
			Lines:             lines,
		}); err != nil {
			return errors.Wrapf(err, "put cart for %s", c.ID)
		}

		slog.Info("upserted customer", slog.String("id", c.ID), slog.Int("cart_lines", len(lines)))
	}
	return nil
}

func seedAPIKey(ctx context.Context, keys *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding ops API key")

	info := auth.APIKeyInfo{
		ID:      "ops-default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default ops key",
		Scopes:  []string{auth.ScopeOrdersRead, auth.ScopeOrdersAdmin},
	}
	if err := keys.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert ops API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))
	return nil
}
