// internal/model/customer.go
package model

import (
	"fmt"
	"strings"
	"time"
)

type CartItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// AbandonedCart is the store data record a recipient is resolved from.
type AbandonedCart struct {
	StoreID      string     `db:"store_id" json:"store_id"`
	CustomerID   string     `db:"customer_id" json:"customer_id"`
	CustomerName string     `db:"customer_name" json:"customer_name"`
	Email        string     `db:"email" json:"email,omitempty"`
	Phone        string     `db:"phone" json:"phone,omitempty"`
	WhatsApp     string     `db:"whatsapp" json:"whatsapp,omitempty"`
	Items        []CartItem `db:"items" json:"items"`
	Total        float64    `db:"total" json:"total"`
	Currency     string     `db:"currency" json:"currency"`
	CheckoutURL  string     `db:"checkout_url" json:"checkout_url"`
	StoreName    string     `db:"store_name" json:"store_name"`
	AbandonedAt  time.Time  `db:"abandoned_at" json:"abandoned_at"`
}

// ContactFor returns the address used on channel, or "" when the customer has none.
func (c AbandonedCart) ContactFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelWhatsApp:
		if c.WhatsApp != "" {
			return c.WhatsApp
		}
		return c.Phone
	}
	return ""
}

// TemplateVars returns the placeholder values for this cart.
func (c AbandonedCart) TemplateVars() map[string]string {
	names := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		if it.Quantity > 1 {
			names = append(names, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
		} else {
			names = append(names, it.Name)
		}
	}
	first := c.CustomerName
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return map[string]string{
		"customer_name": c.CustomerName,
		"first_name":    first,
		"cart_items":    strings.Join(names, ", "),
		"cart_total":    fmt.Sprintf("%.2f", c.Total),
		"currency":      c.Currency,
		"checkout_link": c.CheckoutURL,
		"store_name":    c.StoreName,
	}
}

// CartFilter narrows an abandoned-cart listing. Zero values do not filter; Limit 0 means all.
type CartFilter struct {
	CustomerIDs     []string   `json:"customer_ids,omitempty"`
	MinTotal        *float64   `json:"min_total,omitempty"`
	MaxTotal        *float64   `json:"max_total,omitempty"`
	AbandonedAfter  *time.Time `json:"abandoned_after,omitempty"`
	AbandonedBefore *time.Time `json:"abandoned_before,omitempty"`
	Offset          int        `json:"offset,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}

// Matches applies every bound except paging.
func (f CartFilter) Matches(c AbandonedCart) bool {
	if len(f.CustomerIDs) > 0 {
		found := false
		for _, id := range f.CustomerIDs {
			if id == c.CustomerID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinTotal != nil && c.Total < *f.MinTotal {
		return false
	}
	if f.MaxTotal != nil && c.Total > *f.MaxTotal {
		return false
	}
	if f.AbandonedAfter != nil && c.AbandonedAt.Before(*f.AbandonedAfter) {
		return false
	}
	if f.AbandonedBefore != nil && c.AbandonedAt.After(*f.AbandonedBefore) {
		return false
	}
	return true
}

// FilterFor translates a campaign audience into a cart filter evaluated at now. Value and
// age bounds only apply to the filtered mode.
func FilterFor(a TargetAudience, now time.Time) CartFilter {
	var f CartFilter
	switch a.Mode {
	case AudienceSpecificCustomers:
		f.CustomerIDs = a.CustomerIDs
	case AudienceFiltered:
		f.MinTotal, f.MaxTotal = a.MinCartValue, a.MaxCartValue
		if a.MinAgeHours != nil {
			t := now.Add(-time.Duration(*a.MinAgeHours) * time.Hour)
			f.AbandonedBefore = &t
		}
		if a.MaxAgeHours != nil {
			t := now.Add(-time.Duration(*a.MaxAgeHours) * time.Hour)
			f.AbandonedAfter = &t
		}
	}
	return f
}
