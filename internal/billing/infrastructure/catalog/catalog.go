// Package catalog loads the immutable plan catalog from YAML.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"

	"github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/security"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

const maxCatalogFile = 1 << 20

type settlementFile struct {
	Currency string `yaml:"currency"`
	Rate     string `yaml:"rate"`
}

type planFile struct {
	ID              string                    `yaml:"id"`
	Name            string                    `yaml:"name"`
	Price           string                    `yaml:"price"`
	Currency        string                    `yaml:"currency"`
	Duration        string                    `yaml:"duration"`
	CheckoutPriceID string                    `yaml:"checkout_price_id"`
	QRProductCode   string                    `yaml:"qr_product_code"`
	DownloadQuota   int                       `yaml:"download_quota"`
	Settlements     map[string]settlementFile `yaml:"settlements"`
}

type catalogFile struct {
	Plans []planFile `yaml:"plans"`
}

// Catalog is a read-only set of plans.
type Catalog struct {
	plans  map[string]domain.Plan
	sorted []domain.Plan
}

// Load reads the catalog at path, or the embedded default catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultPlans)
	}
	data, err := security.ReadFile(afero.NewOsFs(), path, maxCatalogFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read plan catalog %s: %v", domain.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan catalog: %v", domain.ErrConfig, err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("%w: plan catalog is empty", domain.ErrConfig)
	}

	c := &Catalog{plans: make(map[string]domain.Plan, len(file.Plans))}
	for _, pf := range file.Plans {
		plan, err := pf.toPlan()
		if err != nil {
			return nil, err
		}
		if _, dup := c.plans[plan.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %q", domain.ErrConfig, plan.ID)
		}
		c.plans[plan.ID] = plan
		c.sorted = append(c.sorted, plan)
	}
	sort.SliceStable(c.sorted, func(i, j int) bool {
		return c.sorted[i].Price.LessThan(c.sorted[j].Price)
	})
	return c, nil
}

func (pf planFile) toPlan() (domain.Plan, error) {
	price, err := decimal.NewFromString(pf.Price)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%w: plan %s: invalid price %q", domain.ErrConfig, pf.ID, pf.Price)
	}
	plan := domain.Plan{
		ID:              pf.ID,
		Name:            pf.Name,
		Price:           price,
		Currency:        pf.Currency,
		Duration:        domain.Duration(pf.Duration),
		CheckoutPriceID: pf.CheckoutPriceID,
		QRProductCode:   pf.QRProductCode,
		DownloadQuota:   pf.DownloadQuota,
	}
	if len(pf.Settlements) > 0 {
		plan.Settlements = make(map[domain.PaymentMethod]domain.Settlement, len(pf.Settlements))
		for method, s := range pf.Settlements {
			rate, err := decimal.NewFromString(s.Rate)
			if err != nil {
				return domain.Plan{}, fmt.Errorf("%w: plan %s: invalid rate for %s", domain.ErrConfig, pf.ID, method)
			}
			plan.Settlements[domain.PaymentMethod(method)] = domain.Settlement{Currency: s.Currency, Rate: rate}
		}
	}
	if err := plan.Validate(); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// Find returns the plan with the given id.
func (c *Catalog) Find(id string) (domain.Plan, error) {
	plan, ok := c.plans[id]
	if !ok {
		return domain.Plan{}, domain.NewError(domain.CodePlanNotFound, "find plan",
			fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id))
	}
	return clonePlan(plan), nil
}

// List returns every plan ordered by ascending price.
func (c *Catalog) List() []domain.Plan {
	out := make([]domain.Plan, len(c.sorted))
	for i, p := range c.sorted {
		out[i] = clonePlan(p)
	}
	return out
}

func clonePlan(p domain.Plan) domain.Plan {
	if p.Settlements != nil {
		settlements := make(map[domain.PaymentMethod]domain.Settlement, len(p.Settlements))
		for k, v := range p.Settlements {
			settlements[k] = v
		}
		p.Settlements = settlements
	}
	return p
}

var _ application.PlanCatalog = (*Catalog)(nil)
