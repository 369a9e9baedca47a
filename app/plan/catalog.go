// Package plan holds the proxy plan catalog sold through proxy purchases.
package plan

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownPlan = errors.New("unknown plan type or tier")

type Tier struct {
	PlanType     string
	Tier         string
	Name         string
	Price        decimal.Decimal
	Currency     string
	BandwidthGB  int64
	DurationDays int
	// Interval and IntervalCount describe the billing cycle of auto-renewing purchases.
	Interval      string
	IntervalCount int32
}

func (t Tier) Duration() time.Duration {
	return time.Duration(t.DurationDays) * 24 * time.Hour
}

type Catalog struct {
	tiers map[string]Tier
}

func NewCatalog(tiers ...Tier) *Catalog {
	items := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		items[key(t.PlanType, t.Tier)] = t
	}
	return &Catalog{tiers: items}
}

// DefaultCatalog returns the plans currently on sale.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		monthly("residential", "starter", "Residential Starter", "15.00", 5),
		monthly("residential", "pro", "Residential Pro", "55.00", 25),
		monthly("residential", "business", "Residential Business", "200.00", 100),
		monthly("mobile", "starter", "Mobile Starter", "30.00", 5),
		monthly("mobile", "pro", "Mobile Pro", "120.00", 25),
		monthly("datacenter", "starter", "Datacenter Starter", "5.00", 50),
		monthly("datacenter", "pro", "Datacenter Pro", "20.00", 250),
		monthly("isp", "starter", "Static ISP Starter", "27.50", 10),
		monthly("isp", "pro", "Static ISP Pro", "99.00", 50),
	)
}

func monthly(planType, tier, name, price string, bandwidthGB int64) Tier {
	return Tier{
		PlanType:      planType,
		Tier:          tier,
		Name:          name,
		Price:         decimal.RequireFromString(price),
		Currency:      "USD",
		BandwidthGB:   bandwidthGB,
		DurationDays:  30,
		Interval:      "month",
		IntervalCount: 1,
	}
}

func (c *Catalog) Lookup(planType, tier string) (Tier, error) {
	t, ok := c.tiers[key(planType, tier)]
	if !ok {
		return Tier{}, ErrUnknownPlan
	}
	return t, nil
}

func (c *Catalog) List() []Tier {
	items := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PlanType != items[j].PlanType {
			return items[i].PlanType < items[j].PlanType
		}
		return items[i].Price.LessThan(items[j].Price)
	})
	return items
}

func key(planType, tier string) string {
	return strings.ToLower(strings.TrimSpace(planType)) + "/" + strings.ToLower(strings.TrimSpace(tier))
}
