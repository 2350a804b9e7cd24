package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SealTier is a purchasable seal array tier.
type SealTier struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	PriceCents  int64  `yaml:"price_cents" json:"price_cents"`
	Currency    string `yaml:"currency" json:"currency"`
	ImageSize   int    `yaml:"image_size" json:"image_size"`
}

// MerchItem maps a storefront SKU to a FourthWall variant.
type MerchItem struct {
	SKU        string `yaml:"sku" json:"sku"`
	Name       string `yaml:"name" json:"name"`
	PriceCents int64  `yaml:"price_cents" json:"price_cents"`
	Currency   string `yaml:"currency" json:"currency"`
	VariantID  string `yaml:"variant_id" json:"-"`
	ImageURL   string `yaml:"image_url" json:"image_url,omitempty"`
}

// BundleConfig controls what goes into a digital download archive.
type BundleConfig struct {
	IncludeCertificate bool   `yaml:"include_certificate"`
	IncludeReadme      bool   `yaml:"include_readme"`
	Readme             string `yaml:"readme"`
}

// Catalog is the product catalog.
type Catalog struct {
	Tiers  []SealTier   `yaml:"tiers"`
	Merch  []MerchItem  `yaml:"merch"`
	Bundle BundleConfig `yaml:"bundle"`
}

// Tier looks up a seal array tier by ID.
func (c *Catalog) Tier(id string) (SealTier, bool) {
	for _, t := range c.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return SealTier{}, false
}

// Item looks up a merch SKU.
func (c *Catalog) Item(sku string) (MerchItem, bool) {
	for _, m := range c.Merch {
		if m.SKU == sku {
			return m, true
		}
	}
	return MerchItem{}, false
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadCatalogOrDefault loads the catalog or returns the default if the file
// cannot be read.
func LoadCatalogOrDefault(path string) *Catalog {
	cat, err := LoadCatalog(path)
	if err != nil {
		return DefaultCatalog()
	}
	return cat
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool)
	for i := range c.Tiers {
		t := &c.Tiers[i]
		if t.ID == "" {
			return fmt.Errorf("tier %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tier %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.PriceCents <= 0 {
			return fmt.Errorf("tier %s: price_cents must be positive", t.ID)
		}
		if t.Currency == "" {
			t.Currency = "usd"
		}
		t.Currency = strings.ToLower(t.Currency)
		if t.ImageSize == 0 {
			t.ImageSize = 1024
		}
	}
	skus := make(map[string]bool)
	for i := range c.Merch {
		m := &c.Merch[i]
		if m.SKU == "" || m.VariantID == "" {
			return fmt.Errorf("merch %d: sku and variant_id are required", i)
		}
		if skus[m.SKU] {
			return fmt.Errorf("merch %s: duplicate sku", m.SKU)
		}
		skus[m.SKU] = true
		if m.Currency == "" {
			m.Currency = "usd"
		}
	}
	return nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Tiers: []SealTier{
			{ID: "basic", Name: "Seal Array", Description: "Personal seal array image", PriceCents: 1700, Currency: "usd", ImageSize: 1024},
			{ID: "premium", Name: "Seal Array Premium", Description: "High resolution seal array with certificate", PriceCents: 3300, Currency: "usd", ImageSize: 2048},
		},
		Merch: []MerchItem{
			{SKU: "tee-black", Name: "ANOINT Tee (Black)", PriceCents: 2800, Currency: "usd", VariantID: "fw-tee-black"},
			{SKU: "poster-18x24", Name: "Seal Array Poster 18x24", PriceCents: 3500, Currency: "usd", VariantID: "fw-poster-18x24"},
		},
		Bundle: BundleConfig{
			IncludeCertificate: true,
			IncludeReadme:      true,
			Readme:             "Thank you for your ANOINT Array purchase.\nYour seal array image and certificate are included in this archive.\n",
		},
	}
}
