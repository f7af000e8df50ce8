package models

import (
	"strings"
	"time"
)

// Tenant owns workflows, runs and approval queue entries. Tenants created on
// the fly from a caller's email address use the domain as both Name and Domain.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailDomain returns the lower-cased domain of an email address, or false
// when addr is not of the form local@domain.
func EmailDomain(addr string) (string, bool) {
	local, domain, ok := strings.Cut(strings.TrimSpace(addr), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", false
	}
	return strings.ToLower(domain), true
}
