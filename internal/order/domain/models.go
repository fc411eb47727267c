package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a remote record as returned by a query.
type Order struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
	Tags        []string        `json:"tags"`
	LineItems   []LineItem      `json:"line_items"`
	CreatedAt   time.Time       `json:"created_at"`
}

type LineItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// HasTag reports whether the order carries tag, ignoring case.
func (o Order) HasTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false
	}
	for _, t := range o.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

// Filter selects a subset of orders.
type Filter struct {
	Name        string    `json:"name" mapstructure:"name"`
	Destination string    `json:"destination" mapstructure:"destination"`
	Query       string    `json:"query" mapstructure:"query"`
	Since       time.Time `json:"since" mapstructure:"-"`
	PageSize    int       `json:"page_size" mapstructure:"pageSize"`
}

// Cost is the credit accounting reported with a remote response.
type Cost struct {
	Requested float64
	Actual    float64
	// Remaining is nil when the server did not report it.
	Remaining *float64
}

// Page is one page of a paginated query.
type Page struct {
	Orders     []Order
	NextCursor string
	HasMore    bool
	Cost       Cost
}

// FieldUpdate sets one custom field on the object identified by OwnerID.
type FieldUpdate struct {
	OwnerID   string `json:"owner_id"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}
