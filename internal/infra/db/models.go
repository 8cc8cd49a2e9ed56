package db

import "time"

type TenantModel struct {
	ID          string    `gorm:"primaryKey"`
	Slug        string    `gorm:"uniqueIndex;not null"`
	DisplayName string    `gorm:"not null"`
	Type        string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (TenantModel) TableName() string { return "tenants" }

type TenantKeyLockModel struct {
	TenantID string `gorm:"primaryKey"`
}

func (TenantKeyLockModel) TableName() string { return "tenant_key_locks" }

type TenantKeyModel struct {
	ID               string `gorm:"primaryKey"`
	TenantID         string `gorm:"not null"`
	KID              string `gorm:"column:kid;not null"`
	Purpose          string `gorm:"not null"`
	Alg              string `gorm:"not null"`
	PublicJWK        string `gorm:"column:public_jwk;not null"`
	PrivateKeySealed []byte `gorm:"not null"`
	Status           string `gorm:"not null"`
	CreatedAt        time.Time
	ActivatedAt      *time.Time
	ExpiresAt        time.Time
	RetiredAt        *time.Time
	LastUsedAt       *time.Time
}

func (TenantKeyModel) TableName() string { return "tenant_keys" }

type CandidateModel struct {
	ID        string    `gorm:"primaryKey"`
	EmailHash string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (CandidateModel) TableName() string { return "candidates" }

type ConsentModel struct {
	ID              string `gorm:"primaryKey"`
	CandidateID     string `gorm:"not null"`
	AgentTenant     string `gorm:"not null"`
	BoardTenant     string `gorm:"not null"`
	Scopes          string `gorm:"not null"`
	Status          string `gorm:"not null"`
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	TokenID         *string
	TokenKID        *string `gorm:"column:token_kid"`
	TokenAlg        *string
	TokenHash       *string
	TokenIssuedAt   *time.Time
	TokenExpiresAt  *time.Time
	ApprovedByEmail *string
}

func (ConsentModel) TableName() string { return "consents" }

type ConsentTokenRecordModel struct {
	ID        string    `gorm:"primaryKey"`
	ConsentID string    `gorm:"not null"`
	TokenID   string    `gorm:"uniqueIndex;not null"`
	TokenHash string    `gorm:"not null"`
	KID       string    `gorm:"column:kid;not null"`
	Alg       string    `gorm:"not null"`
	IssuedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (ConsentTokenRecordModel) TableName() string { return "consent_token_records" }

type ApplicationModel struct {
	ID                  string `gorm:"primaryKey"`
	ConsentID           string `gorm:"not null"`
	AgentTenant         string `gorm:"not null"`
	BoardTenant         string `gorm:"not null"`
	JobExternalID       string `gorm:"not null"`
	Status              string `gorm:"not null"`
	SubmittedAt         time.Time
	PayloadHash         string  `gorm:"not null"`
	SubmissionSignature string  `gorm:"not null"`
	SubmissionKID       *string `gorm:"column:submission_kid"`
	SubmissionAlg       *string
	TokenGraceAccepted  bool
	Receipt             *string
	ReceiptSignature    *string
	ReceiptHash         *string
}

func (ApplicationModel) TableName() string { return "applications" }

type TenantAuditSeqModel struct {
	TenantID string `gorm:"primaryKey"`
	Seq      int64  `gorm:"not null"`
}

func (TenantAuditSeqModel) TableName() string { return "tenant_audit_seq" }

type AuditEventModel struct {
	ID          string `gorm:"primaryKey"`
	TenantID    string `gorm:"not null"`
	Category    string `gorm:"not null"`
	Action      string `gorm:"not null"`
	EntityType  string `gorm:"not null"`
	EntityID    string `gorm:"not null"`
	ActorType   *string
	ActorID     *string
	Jti         *string
	Metadata    *string
	PayloadHash *string
	CreatedAt   time.Time
}

func (AuditEventModel) TableName() string { return "audit_events" }

type AuditEventHashModel struct {
	EventID      string `gorm:"primaryKey"`
	TenantID     string `gorm:"not null"`
	Seq          int64  `gorm:"not null"`
	ChainVersion string `gorm:"not null"`
	PreviousHash string `gorm:"not null"`
	CurrentHash  string `gorm:"not null"`
	CreatedAt    time.Time
}

func (AuditEventHashModel) TableName() string { return "audit_event_hashes" }

type AuditVerificationRunModel struct {
	ID            string `gorm:"primaryKey"`
	TenantID      string `gorm:"not null"`
	WindowStart   time.Time
	WindowEnd     time.Time
	PreviousHash  string `gorm:"not null"`
	ComputedHash  string `gorm:"not null"`
	Success       bool
	FirstMismatch *string
	Error         *string
	CreatedAt     time.Time
}

func (AuditVerificationRunModel) TableName() string { return "audit_verification_runs" }
