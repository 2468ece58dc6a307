package store

import "gorm.io/gorm/clause"

// onConflictUpdateInstrument upserts by the (exchange, symbol) durable
// identity key described in spec §3 ("storage keys entities by (exchange,
// symbol) for durable identity").
func onConflictUpdateInstrument() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "exchange"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"token", "instrument_type", "expiry_date", "strike",
			"lot_size", "tick_size", "is_active", "deactivated_at",
		}),
	}
}

func onConflictUpdateMapping() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"exchange", "source", "updated_at"}),
	}
}
