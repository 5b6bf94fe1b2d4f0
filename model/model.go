// Package model declares the business tables kept in sync between the local
// and remote stores.
package model

import "time"

const (
	TableClients   = "clients"
	TableProducts  = "products"
	TableSales     = "sales"
	TableSaleItems = "sale_items"
	TableInvoices  = "invoices"
	TablePayments  = "payments"
)

// Tables lists every business table in dependency order.
var Tables = []string{
	TableClients,
	TableProducts,
	TableSales,
	TableSaleItems,
	TableInvoices,
	TablePayments,
}

type Client struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Address   string     `json:"address,omitempty"`
	TaxID     string     `json:"tax_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Product struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	SKU       string     `json:"sku,omitempty"`
	Price     float64    `json:"price"`
	Stock     int64      `json:"stock"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Sale struct {
	ID        string     `json:"id,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	Total     float64    `json:"total"`
	Status    string     `json:"status,omitempty"`
	SoldAt    *time.Time `json:"sold_at,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type SaleItem struct {
	ID        string     `json:"id,omitempty"`
	SaleID    string     `json:"sale_id"`
	ProductID string     `json:"product_id"`
	Quantity  int64      `json:"quantity"`
	UnitPrice float64    `json:"unit_price"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type Invoice struct {
	ID        string     `json:"id,omitempty"`
	SaleID    string     `json:"sale_id,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	Number    string     `json:"number,omitempty"`
	Amount    float64    `json:"amount"`
	Status    string     `json:"status,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Payment struct {
	ID        string     `json:"id,omitempty"`
	InvoiceID string     `json:"invoice_id,omitempty"`
	Amount    float64    `json:"amount"`
	Method    string     `json:"method,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}
