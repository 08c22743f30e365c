package customer

import "time"

// Customer is a tenant's lead or client record. Attributes carries every
// column of the row keyed by column name so rules can address fields that
// have no typed accessor.
type Customer struct {
	ID          string
	TenantID    string
	Name        string
	Email       string
	Phone       string
	CompanyName string
	Active      bool
	Attributes  map[string]any
}

// Attribute returns the raw column value, or nil when the field is unknown.
func (c Customer) Attribute(field string) any {
	if c.Attributes == nil {
		return nil
	}
	return c.Attributes[field]
}

// Metrics groups the derived figures computed from a customer's history.
type Metrics struct {
	DealsCount     int
	WonRevenue     float64
	LastActivityAt *time.Time
}

func fromAttributes(attrs map[string]any) Customer {
	c := Customer{Attributes: attrs}
	c.ID = stringAttr(attrs, "id")
	c.TenantID = stringAttr(attrs, "tenant_id")
	c.Name = stringAttr(attrs, "name")
	c.Email = stringAttr(attrs, "email")
	c.Phone = stringAttr(attrs, "phone")
	c.CompanyName = stringAttr(attrs, "company_name")
	if v, ok := attrs["is_active"].(bool); ok {
		c.Active = v
	}
	return c
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
