package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the *gorm.DB connection and exposes the relational operations
// consulted by C3-C6. Migration failure at Open is fatal by contract
// (spec §4.2); every method after that returns ErrUnavailable on transient
// failure instead of panicking, so callers can surface "persistence_unavailable"
// without crashing the process.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// ErrUnavailable is returned by Store methods when a post-startup query
// fails after retries — callers map this to apperr.KindInternal /
// "persistence_unavailable".
type ErrUnavailable struct{ Cause error }

func (e *ErrUnavailable) Error() string { return fmt.Sprintf("persistence_unavailable: %v", e.Cause) }
func (e *ErrUnavailable) Unwrap() error { return e.Cause }

// Open connects to Postgres and runs AutoMigrate over AllModels(). Per
// spec §4.2, failure here is fatal — callers should treat a non-nil error
// as a reason to abort startup, not degrade.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Partial unique index: at most one active session row per provider.
	// GORM struct tags can't express a WHERE clause, so it's applied here,
	// idempotently, as Postgres-specific DDL.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_session_per_provider
		ON upstream_sessions (provider) WHERE is_active`).Error; err != nil {
		logger.Warn().Err(err).Msg("failed to create partial unique index on upstream_sessions")
	}

	return &Store{db: db, logger: logger.With().Str("component", "store").Logger()}, nil
}

func (s *Store) retry(op func() error) error {
	var err error
	for i, delay := range []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond} {
		if i > 0 {
			time.Sleep(delay)
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return &ErrUnavailable{Cause: err}
}

// --- ApiKey ---

func (s *Store) GetApiKeyByString(keyString string) (*ApiKeyRecord, error) {
	var rec ApiKeyRecord
	err := s.retry(func() error {
		return s.db.Where("key_string = ?", keyString).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CreateApiKey(rec *ApiKeyRecord) error {
	return s.retry(func() error { return s.db.Create(rec).Error })
}

func (s *Store) ListApiKeys(limit, offset int) ([]ApiKeyRecord, error) {
	var recs []ApiKeyRecord
	err := s.retry(func() error {
		return s.db.Limit(limit).Offset(offset).Order("id").Find(&recs).Error
	})
	return recs, err
}

func (s *Store) DeactivateApiKey(keyString string) error {
	return s.retry(func() error {
		return s.db.Model(&ApiKeyRecord{}).Where("key_string = ?", keyString).Update("is_active", false).Error
	})
}

// UpdateApiKeyPolicy applies admin-issued rate-limit and entitlement
// changes to an existing key (spec §4.9: "API-key CRUD, rate-limit and
// entitlement updates").
func (s *Store) UpdateApiKeyPolicy(keyString string, rateLimitPerMinute, connectionLimit int, wsSubscribeRPS, wsUnsubscribeRPS, wsModeRPS float64, entitledExchangesCSV string) error {
	return s.retry(func() error {
		return s.db.Model(&ApiKeyRecord{}).Where("key_string = ?", keyString).Updates(map[string]any{
			"rate_limit_per_minute":  rateLimitPerMinute,
			"connection_limit":       connectionLimit,
			"ws_subscribe_rps":       wsSubscribeRPS,
			"ws_unsubscribe_rps":     wsUnsubscribeRPS,
			"ws_mode_rps":            wsModeRPS,
			"entitled_exchanges_csv": entitledExchangesCSV,
		}).Error
	})
}

// SetApiKeyBlocked flips the abuse-block flag administratively.
func (s *Store) SetApiKeyBlocked(keyString string, blocked bool, reason string) error {
	return s.retry(func() error {
		return s.db.Model(&ApiKeyRecord{}).Where("key_string = ?", keyString).Updates(map[string]any{
			"blocked":      blocked,
			"block_reason": reason,
		}).Error
	})
}

// --- UpstreamSession ---

// ActivateSession deactivates every prior row for provider and inserts the
// new one in a single transaction (spec §4.5.1 step 5, "atomically
// deactivates prior ones").
func (s *Store) ActivateSession(rec *UpstreamSessionRecord) error {
	return s.retry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&UpstreamSessionRecord{}).
				Where("provider = ? AND is_active", rec.Provider).
				Update("is_active", false).Error; err != nil {
				return err
			}
			rec.IsActive = true
			return tx.Create(rec).Error
		})
	})
}

func (s *Store) GetActiveSession(provider string) (*UpstreamSessionRecord, error) {
	var rec UpstreamSessionRecord
	err := s.retry(func() error {
		return s.db.Where("provider = ? AND is_active", provider).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Instruments ---

func (s *Store) UpsertInstrument(rec *InstrumentRecord) error {
	return s.retry(func() error {
		return s.db.Clauses(onConflictUpdateInstrument()).Create(rec).Error
	})
}

func (s *Store) DeactivateMissing(exchange string, seenSymbols []string) (int64, error) {
	var result *gorm.DB
	err := s.retry(func() error {
		q := s.db.Model(&InstrumentRecord{}).
			Where("exchange = ? AND is_active AND symbol NOT IN ?", exchange, seenSymbols)
		result = q.Updates(map[string]any{"is_active": false, "deactivated_at": timeNow()})
		return result.Error
	})
	if err != nil {
		return 0, err
	}
	return result.RowsAffected, nil
}

func (s *Store) FindInstrumentByExchangeSymbol(exchange, symbol string) (*InstrumentRecord, error) {
	var rec InstrumentRecord
	err := s.retry(func() error {
		return s.db.Where("exchange = ? AND symbol = ?", exchange, symbol).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) FindInstrumentsByToken(token int32) ([]InstrumentRecord, error) {
	var recs []InstrumentRecord
	err := s.retry(func() error {
		return s.db.Where("token = ?", token).Find(&recs).Error
	})
	return recs, err
}

func (s *Store) SearchInstruments(exchange, instrumentType, query string, limit, offset int) ([]InstrumentRecord, int64, error) {
	var recs []InstrumentRecord
	var total int64
	err := s.retry(func() error {
		q := s.db.Model(&InstrumentRecord{})
		if exchange != "" {
			q = q.Where("exchange = ?", exchange)
		}
		if instrumentType != "" {
			q = q.Where("instrument_type = ?", instrumentType)
		}
		if query != "" {
			q = q.Where("symbol ILIKE ?", "%"+query+"%")
		}
		if err := q.Count(&total).Error; err != nil {
			return err
		}
		return q.Limit(limit).Offset(offset).Order("symbol").Find(&recs).Error
	})
	return recs, total, err
}

func (s *Store) UpsertMapping(token int32, exchange, source string) error {
	return s.retry(func() error {
		return s.db.Clauses(onConflictUpdateMapping()).Create(&InstrumentMapping{
			Token: token, Exchange: exchange, Source: source,
		}).Error
	})
}

func (s *Store) ResolveMapping(token int32) (string, bool) {
	var rec InstrumentMapping
	if err := s.db.Where("token = ?", token).First(&rec).Error; err != nil {
		return "", false
	}
	return rec.Exchange, true
}

// --- Audit ---

// WriteAudit persists one audit row, best-effort: errors are logged, never
// returned, per spec §3 ("failures never block requests").
func (s *Store) WriteAudit(rec *OriginAuditRecord) {
	if err := s.db.Create(rec).Error; err != nil {
		s.logger.Warn().Err(err).Msg("failed to write audit record (best-effort, dropped)")
	}
}

// Ping checks the underlying connection pool, consulted by the
// /api/health/detailed probe.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func timeNow() time.Time { return time.Now().UTC() }
