package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/auth"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/pricing"
)

type seedProduct struct {
	Name   string
	Base   string
	Public string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	affiliates := seedAffiliates(db)
	products := seedProducts(db)
	for _, id := range affiliates {
		seedSelection(db, id, products)
	}
	printCredentials(affiliates)

	log.Println("Seeding completed successfully!")
}

func seedAffiliates(db *sql.DB) []uuid.UUID {
	affiliates := []struct {
		Name       string
		Email      string
		MaxMargin  *string
		DefaultMgn *string
	}{
		{"Camille Laurent", "camille@example.com", nil, nil},
		{"Hugo Martin", "hugo@example.com", ptr("40"), ptr("18")},
		{"Léa Bernard", "lea@example.com", nil, ptr("25")},
	}

	fmt.Println("Seeding Affiliates...")
	ids := make([]uuid.UUID, 0, len(affiliates))
	for _, a := range affiliates {
		var id uuid.UUID
		err := db.QueryRow(`
			INSERT INTO affiliates (name, email, max_margin_rate, default_margin_rate)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
			RETURNING id;
		`, a.Name, a.Email, a.MaxMargin, a.DefaultMgn).Scan(&id)
		if err != nil {
			log.Printf("Failed to seed affiliate %s: %v", a.Email, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func seedProducts(db *sql.DB) map[uuid.UUID]decimal.Decimal {
	products := []seedProduct{
		{"Ceramic Pour-Over Set", "32.00", ""},
		{"Linen Apron", "18.50", "29.90"},
		{"Cast Iron Skillet 26cm", "41.00", ""},
		{"Organic Cotton Tote", "6.40", ""},
		{"Bamboo Cutting Board", "14.20", "24.00"},
		{"Glass Storage Jars (x3)", "11.75", ""},
	}

	fmt.Println("Seeding Products...")
	out := make(map[uuid.UUID]decimal.Decimal, len(products))
	for _, p := range products {
		var public any
		if p.Public != "" {
			public = p.Public
		}
		var id uuid.UUID
		err := db.QueryRow(`
			INSERT INTO products (name, base_price_ht, public_price_ht)
			VALUES ($1, $2, $3)
			RETURNING id;
		`, p.Name, p.Base, public).Scan(&id)
		if err != nil {
			log.Printf("Failed to seed product %s: %v", p.Name, err)
			continue
		}
		out[id] = decimal.RequireFromString(p.Base)
	}
	return out
}

func seedSelection(db *sql.DB, affiliateID uuid.UUID, products map[uuid.UUID]decimal.Decimal) {
	var selectionID uuid.UUID
	err := db.QueryRow(`
		INSERT INTO selections (affiliate_id, name) VALUES ($1, 'My picks') RETURNING id;
	`, affiliateID).Scan(&selectionID)
	if err != nil {
		log.Printf("Failed to seed selection for %s: %v", affiliateID, err)
		return
	}

	margin := decimal.NewFromInt(20)
	position := 0
	for productID, base := range products {
		quote, err := pricing.ComputeSellingPrice(base, margin)
		if err != nil {
			log.Printf("Failed to price product %s: %v", productID, err)
			continue
		}
		_, err = db.Exec(`
			INSERT INTO selection_items (selection_id, product_id, base_price_ht, margin_rate, selling_price_ht, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (selection_id, product_id) DO NOTHING;
		`, selectionID, productID, base.String(), margin.String(), quote.SellingPriceHt.String(), position)
		if err != nil {
			log.Printf("Failed to seed selection item: %v", err)
		}
		position++
	}
}

func printCredentials(affiliates []uuid.UUID) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("JWT_SECRET not set; skipping dev tokens")
		return
	}
	verifier := auth.NewVerifier(secret, envOr("JWT_ISSUER", "affiliate-portal"), envOr("JWT_AUDIENCE", "commission-engine"), 0)
	ttl := 24 * time.Hour

	fmt.Println("\nDev tokens (24h):")
	op, err := verifier.Issue(common.Principal{Subject: "operator@example.com", Roles: []string{common.RoleOperator}}, ttl)
	if err != nil {
		log.Printf("Failed to issue operator token: %v", err)
	} else {
		fmt.Printf("  operator: %s\n", op)
	}
	for _, id := range affiliates {
		tok, err := verifier.Issue(common.Principal{Subject: "affiliate:" + id.String(), AffiliateID: id, Roles: []string{"affiliate"}}, ttl)
		if err != nil {
			log.Printf("Failed to issue affiliate token: %v", err)
			continue
		}
		fmt.Printf("  affiliate %s: %s\n", id, tok)
	}

	if raw := os.Getenv("ORDER_EVENTS_TOKEN"); raw != "" {
		hash, err := auth.HashServiceToken(raw)
		if err != nil {
			log.Printf("Failed to hash service token: %v", err)
			return
		}
		fmt.Printf("\nORDER_EVENTS_TOKEN_HASH=%s\n", hash)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func ptr(s string) *string { return &s }
