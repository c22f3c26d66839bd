package models

import "github.com/shopspring/decimal"

const (
	LicenseLifetime = "lifetime"

	BundleProductID = "bundle"
)

// CatalogItem is a purchasable product. The catalog is fixed at build time.
type CatalogItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	LicenseType string          `json:"license_type"`
}

var catalog = []CatalogItem{
	{ID: "windows", Name: "Ascend Windows Utility", Price: decimal.RequireFromString("9.99"), LicenseType: LicenseLifetime},
	{ID: "bios", Name: "Ascend BIOS Utility", Price: decimal.RequireFromString("14.99"), LicenseType: LicenseLifetime},
	{ID: BundleProductID, Name: "Ascend Full Bundle", Price: decimal.RequireFromString("19.99"), LicenseType: LicenseLifetime},
}

// Catalog returns a copy of every catalog item.
func Catalog() []CatalogItem {
	items := make([]CatalogItem, len(catalog))
	copy(items, catalog)
	return items
}

// FindCatalogItem looks up an item by id.
func FindCatalogItem(id string) (CatalogItem, bool) {
	for _, item := range catalog {
		if item.ID == id {
			return item, true
		}
	}
	return CatalogItem{}, false
}
