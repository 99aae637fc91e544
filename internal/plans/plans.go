// Package plans defines entitlement tiers and the price catalogue that maps
// processor price references onto them.
package plans

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Errors
var (
	ErrUnknownTier   = errors.New("plans: unknown tier")
	ErrInvalidConfig = errors.New("plans: invalid catalogue")
)

// Tier identifies an entitlement level.
type Tier string

const (
	TierFree     Tier = "free"
	TierFamily   Tier = "family"
	TierExtended Tier = "extended"
	TierAdmin    Tier = "admin"
)

// Unlimited marks a cap with no bound.
const Unlimited = -1

var rank = map[Tier]int{
	TierFree:     0,
	TierFamily:   1,
	TierExtended: 2,
	TierAdmin:    3,
}

// Rank returns the tier's position in the total order free < family < extended < admin.
// Unknown tiers rank below free.
func (t Tier) Rank() int {
	r, ok := rank[t]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := rank[t]
	return ok
}

// Higher reports whether t ranks strictly above other.
func (t Tier) Higher(other Tier) bool {
	return t.Rank() > other.Rank()
}

// Paid reports whether the tier is bought through the processor.
func (t Tier) Paid() bool {
	return t == TierFamily || t == TierExtended
}

// Max returns the higher-ranked of two tiers.
func Max(a, b Tier) Tier {
	if b.Higher(a) {
		return b
	}
	return a
}

// Limits are the caps attached to a tier.
type Limits struct {
	MaxCircles          int `yaml:"maxCircles" json:"maxCircles"`
	MaxMembersPerCircle int `yaml:"maxMembersPerCircle" json:"maxMembersPerCircle"`
}

// TierConfig is one tier entry of the catalogue.
type TierConfig struct {
	Limits   `yaml:",inline"`
	PriceRef string `yaml:"priceRef"`
}

// AddOnConfig describes the one-time extra-members purchase.
type AddOnConfig struct {
	PriceRef  string `yaml:"priceRef"`
	Increment int    `yaml:"increment"`
}

// Catalog is the versioned priceRef → tier/caps mapping injected at startup.
type Catalog struct {
	Version string              `yaml:"version"`
	Tiers   map[Tier]TierConfig `yaml:"tiers"`
	AddOn   AddOnConfig         `yaml:"addOn"`

	byPrice map[string]Tier
}

// DefaultCatalog is used when no catalogue file is configured.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Version: "2024-01",
		Tiers: map[Tier]TierConfig{
			TierFree:     {Limits: Limits{MaxCircles: 1, MaxMembersPerCircle: 8}},
			TierFamily:   {Limits: Limits{MaxCircles: 2, MaxMembersPerCircle: 20}, PriceRef: "price_family_monthly"},
			TierExtended: {Limits: Limits{MaxCircles: 3, MaxMembersPerCircle: 35}, PriceRef: "price_extended_monthly"},
			TierAdmin:    {Limits: Limits{MaxCircles: Unlimited, MaxMembersPerCircle: Unlimited}},
		},
		AddOn: AddOnConfig{PriceRef: "price_extra_members", Increment: 5},
	}
	_ = c.index()
	return c
}

// LoadCatalog reads a YAML catalogue. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalogue.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if c.Version == "" {
		return fmt.Errorf("%w: version required", ErrInvalidConfig)
	}
	for _, t := range []Tier{TierFree, TierFamily, TierExtended} {
		if _, ok := c.Tiers[t]; !ok {
			return fmt.Errorf("%w: tier %q missing", ErrInvalidConfig, t)
		}
	}
	if _, ok := c.Tiers[TierAdmin]; !ok {
		c.Tiers[TierAdmin] = TierConfig{Limits: Limits{MaxCircles: Unlimited, MaxMembersPerCircle: Unlimited}}
	}
	if c.AddOn.Increment <= 0 {
		return fmt.Errorf("%w: add-on increment must be positive", ErrInvalidConfig)
	}

	c.byPrice = make(map[string]Tier)
	for t, cfg := range c.Tiers {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownTier, t)
		}
		if t.Paid() && cfg.PriceRef == "" {
			return fmt.Errorf("%w: tier %q needs a priceRef", ErrInvalidConfig, t)
		}
		if cfg.PriceRef == "" {
			continue
		}
		if prev, dup := c.byPrice[cfg.PriceRef]; dup {
			return fmt.Errorf("%w: priceRef %q used by %q and %q", ErrInvalidConfig, cfg.PriceRef, prev, t)
		}
		c.byPrice[cfg.PriceRef] = t
	}
	if c.AddOn.PriceRef != "" {
		if _, dup := c.byPrice[c.AddOn.PriceRef]; dup {
			return fmt.Errorf("%w: add-on priceRef collides with a tier", ErrInvalidConfig)
		}
	}
	return nil
}

// LimitsFor returns the caps of a tier. Unknown tiers get the free caps.
func (c *Catalog) LimitsFor(t Tier) Limits {
	cfg, ok := c.Tiers[t]
	if !ok {
		return c.Tiers[TierFree].Limits
	}
	return cfg.Limits
}

// TierForPrice maps a processor price reference onto a tier.
func (c *Catalog) TierForPrice(priceRef string) (Tier, bool) {
	t, ok := c.byPrice[priceRef]
	return t, ok
}

// PriceForTier returns the recurring price reference of a paid tier.
func (c *Catalog) PriceForTier(t Tier) (string, error) {
	cfg, ok := c.Tiers[t]
	if !ok || !t.Paid() {
		return "", fmt.Errorf("%w: %q has no price", ErrUnknownTier, t)
	}
	return cfg.PriceRef, nil
}

// IsAddOnPrice reports whether priceRef is the extra-members add-on.
func (c *Catalog) IsAddOnPrice(priceRef string) bool {
	return priceRef != "" && priceRef == c.AddOn.PriceRef
}

// CheapestPaidTier returns the lowest paid tier; used when a claimant has to
// start paying to keep a rescued circle.
func (c *Catalog) CheapestPaidTier() Tier {
	return TierFamily
}

// ParseTier validates a tier name coming from a request.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}
