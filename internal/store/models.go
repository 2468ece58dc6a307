// Package store implements C2, the relational persistence layer: instruments,
// API keys, upstream sessions, and audit events. Migrations are append-only
// or idempotent and run once at startup; a migration failure is fatal
// (spec §4.2), unlike every other component in this gateway.
package store

import "time"

// ApiKeyRecord is the durable form of §3's ApiKey entity.
type ApiKeyRecord struct {
	ID                   uint      `gorm:"primaryKey;autoIncrement"`
	KeyString            string    `gorm:"uniqueIndex;size:128;not null"`
	TenantID             string    `gorm:"index;size:64;not null"`
	IsActive             bool      `gorm:"not null;default:true"`
	RateLimitPerMinute   int       `gorm:"not null;default:600"`
	ConnectionLimit      int       `gorm:"not null;default:10"`
	WSSubscribeRPS       float64   `gorm:"default:0"`
	WSUnsubscribeRPS     float64   `gorm:"default:0"`
	WSModeRPS            float64   `gorm:"default:0"`
	EntitledExchangesCSV string    `gorm:"size:256;default:''"` // e.g. "NSE_EQ,NSE_FO"
	Blocked              bool      `gorm:"not null;default:false"`
	BlockReason          string    `gorm:"size:256"`
	Metadata             string    `gorm:"type:text"` // opaque JSON blob
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

func (ApiKeyRecord) TableName() string { return "api_keys" }

// UpstreamSessionRecord is the durable form of §3's UpstreamSession entity.
// Invariant: at most one row with IsActive=true per Provider, kept by
// ActivateSession's deactivate-then-insert transaction and backed by the
// partial unique index Open creates after AutoMigrate (GORM's struct tags
// can't express a partial index portably across drivers).
type UpstreamSessionRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Provider    string    `gorm:"index;size:32;not null"` // "vortex" | "kite"
	AccessToken string    `gorm:"size:512;not null"`
	IssuedAt    time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	IsActive    bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (UpstreamSessionRecord) TableName() string { return "upstream_sessions" }

// InstrumentRecord is the durable form of §3's InstrumentRecord entity,
// unifying NSE_EQ/NSE_FO/NSE_CUR/MCX_FO shapes with nullable derivative
// fields rather than one table per exchange (SPEC_FULL.md §3.1).
type InstrumentRecord struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	Exchange       string     `gorm:"uniqueIndex:idx_exch_symbol;size:16;not null"`
	Symbol         string     `gorm:"uniqueIndex:idx_exch_symbol;size:64;not null"`
	Token          int32      `gorm:"index:idx_exch_token;not null"`
	InstrumentType string     `gorm:"size:16;not null"` // EQ, FUT, CE, PE, INDEX, ...
	ExpiryDate     *time.Time
	Strike         *float64
	LotSize        int `gorm:"not null;default:1"`
	TickSize       float64 `gorm:"not null;default:0.05"`
	IsActive       bool    `gorm:"not null;default:true;index"`
	DeactivatedAt  *time.Time
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (InstrumentRecord) TableName() string { return "instruments" }

// InstrumentMapping records a token→exchange mapping discovered by a
// registry sync job, consulted by C3's resolve_exchange precedence chain
// after the live instruments table and before the hard-coded index table.
type InstrumentMapping struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Token     int32     `gorm:"uniqueIndex;not null"`
	Exchange  string    `gorm:"size:16;not null"`
	Source    string    `gorm:"size:32;not null"` // "sync" | "manual"
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (InstrumentMapping) TableName() string { return "instrument_mappings" }

// OriginAuditRecord is the durable form of §3's OriginAudit entity.
// Writes are best-effort and asynchronous; a failure here never blocks a
// request (spec §4.10).
type OriginAuditRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"index;not null"`
	ApiKeyID   *uint     `gorm:"index"`
	TenantID   string    `gorm:"size:64"`
	IP         string    `gorm:"size:64"`
	UserAgent  string    `gorm:"size:256"`
	Origin     string    `gorm:"size:256"`
	Event      string    `gorm:"size:32;not null;index"` // http | ws_connect | ws_disconnect
	Status     string    `gorm:"size:32"`
	DurationMs int64
	Count      int    `gorm:"not null;default:1"` // coalesced repeat count, SPEC_FULL.md §9.1
	Meta       string `gorm:"type:text"`
}

func (OriginAuditRecord) TableName() string { return "origin_audits" }

// AllModels lists every model migrated at startup.
func AllModels() []any {
	return []any{
		&ApiKeyRecord{},
		&UpstreamSessionRecord{},
		&InstrumentRecord{},
		&InstrumentMapping{},
		&OriginAuditRecord{},
	}
}
