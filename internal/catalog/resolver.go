package catalog

import (
	"context"
	"strings"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

// Resolver maps loosely identified stock lines onto catalog products: by id,
// then by SKU, then by name.
type Resolver struct {
	byID   map[string]domain.Product
	bySKU  map[string]domain.Product
	byName map[string]domain.Product
}

func NewResolver(products []domain.Product) *Resolver {
	r := &Resolver{
		byID:   make(map[string]domain.Product, len(products)),
		bySKU:  make(map[string]domain.Product, len(products)),
		byName: make(map[string]domain.Product, len(products)),
	}
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		r.byID[p.ID] = p
		if sku := NormalizeSKU(p.SKU); sku != "" {
			if _, taken := r.bySKU[sku]; !taken {
				r.bySKU[sku] = p
			}
		}
		if name := NormalizeName(p.Name); name != "" {
			if _, taken := r.byName[name]; !taken {
				r.byName[name] = p
			}
		}
	}
	return r
}

func Load(ctx context.Context, repo store.CatalogRepository, tenantID string) (*Resolver, error) {
	products, err := repo.ListProducts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewResolver(products), nil
}

func (r *Resolver) Resolve(productID string, sku string, name string) (domain.Product, bool) {
	if p, ok := r.byID[strings.TrimSpace(productID)]; ok {
		return p, true
	}
	if key := NormalizeSKU(sku); key != "" {
		if p, ok := r.bySKU[key]; ok {
			return p, true
		}
	}
	if key := NormalizeName(name); key != "" {
		if p, ok := r.byName[key]; ok {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (r *Resolver) Product(id string) (domain.Product, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Resolver) Len() int {
	return len(r.byID)
}

// NormalizeSKU lowercases a SKU; placeholders such as "-" count as missing.
func NormalizeSKU(sku string) string {
	sku = strings.ToLower(strings.TrimSpace(sku))
	if sku == "-" || sku == "n/a" {
		return ""
	}
	return sku
}

func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
