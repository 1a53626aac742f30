package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockaudit_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Barcode   string          `gorm:"size:100;not null;uniqueIndex" json:"barcode"`
	Name      string          `gorm:"size:255;not null" json:"name"`
	UnitCost  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unitCost"`
	IsActive  bool            `gorm:"not null;default:true" json:"isActive"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

// ProductCatalog resolves barcodes against the products table.
type ProductCatalog struct {
	DB *gorm.DB
}

func NewProductCatalog(db *gorm.DB) *ProductCatalog {
	return &ProductCatalog{DB: db}
}

// ResolveProductIds maps each known barcode to its product id. Unknown and
// blank barcodes are simply absent from the result.
func (c *ProductCatalog) ResolveProductIds(ctx context.Context, barcodes []string) (map[string]int, error) {
	clean := make([]string, 0, len(barcodes))
	for _, b := range barcodes {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	clean = utils.UniqueSlice(clean)
	result := make(map[string]int, len(clean))
	if len(clean) == 0 {
		return result, nil
	}

	var rows []Product
	if err := c.DB.WithContext(ctx).
		Select("id", "barcode").
		Where("barcode IN ?", clean).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		result[p.Barcode] = p.ID
	}
	return result, nil
}
