package iap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Sku is a catalog entry for an item the application sells.
type Sku struct {
	ID       string
	Type     ItemType
	Quantity int
	Price    decimal.Decimal
}

// Catalog is the set of SKUs an application sells. It is built explicitly and
// handed to the Tracker.
type Catalog struct {
	mu   sync.RWMutex
	skus map[string]Sku
}

func NewCatalog(skus ...Sku) (*Catalog, error) {
	c := &Catalog{skus: make(map[string]Sku)}
	for _, sku := range skus {
		if err := c.Add(sku); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Add(sku Sku) error {
	if sku.ID == "" {
		return errors.New("sku id is required")
	}
	if sku.Type == ItemTypeUnknown {
		return fmt.Errorf("sku %s: item type is required", sku.ID)
	}
	if sku.Quantity < 0 {
		return fmt.Errorf("sku %s: quantity must not be negative", sku.ID)
	}
	if sku.Type == ItemTypeConsumable && sku.Quantity == 0 {
		sku.Quantity = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.skus[sku.ID]; ok {
		return fmt.Errorf("sku %s: already in catalog", sku.ID)
	}
	c.skus[sku.ID] = sku
	return nil
}

func (c *Catalog) Get(id string) (Sku, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sku, ok := c.skus[id]
	return sku, ok
}

// Skus returns the catalog's sku ids, sorted.
func (c *Catalog) Skus() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.skus))
	for id := range c.skus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GrantFor returns what a fulfilled purchase of the sku gives the user. SKUs
// missing from the catalog are granted as a single consumable unit.
func (c *Catalog) GrantFor(id string) Grant {
	sku, ok := c.Get(id)
	if !ok {
		return Grant{Quantity: 1}
	}

	switch sku.Type {
	case ItemTypeEntitlement, ItemTypeSubscription:
		return Grant{Entitlement: true}
	default:
		return Grant{Quantity: sku.Quantity}
	}
}
