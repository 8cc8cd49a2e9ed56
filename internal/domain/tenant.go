package domain

import "time"

type TenantType string

const (
	TenantTypeAgent TenantType = "agent"
	TenantTypeBoard TenantType = "board"
)

type Tenant struct {
	ID          string
	Slug        string
	DisplayName string
	Type        TenantType
	CreatedAt   time.Time
}
