package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEvent = errors.New("duplicate call event")
	ErrConflict       = errors.New("conflict")
)

// Simplified outcomes.
const (
	OutcomeSuccessful   = "Successful"
	OutcomeUnsuccessful = "Unsuccessful"
	OutcomePending      = "Pending"
)

// Sentiment labels. The four labels partition the event set.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentUnknown  = "unknown"
)

const CarrierStatusActive = "active"

// CallEvent is an immutable negotiation call fact.
type CallEvent struct {
	ID                  int64     `json:"id"`
	CallID              string    `json:"call_id"`
	CarrierID           int64     `json:"carrier_id"`
	CarrierName         string    `json:"carrier_name"`
	CarrierMCNumber     *string   `json:"carrier_mc_number"`
	LoadID              *string   `json:"load_id"`
	Lane                string    `json:"lane"`
	Origin              *string   `json:"origin"`
	Destination         *string   `json:"destination"`
	Miles               float64   `json:"miles"`
	EquipmentType       string    `json:"equipment_type"`
	Commodity           *string   `json:"commodity"`
	Weight              *float64  `json:"weight"`
	PostedRate          *float64  `json:"posted_rate"`
	CounterOfferRate    *float64  `json:"counter_offer_rate"`
	FinalRate           *float64  `json:"final_rate"`
	RatePerMile         *float64  `json:"rate_per_mile"`
	RateVariancePct     *float64  `json:"rate_variance_pct"`
	NegotiationRounds   *int      `json:"negotiation_rounds"`
	LoadsShown          *int      `json:"loads_shown"`
	Outcome             *string   `json:"outcome"`
	OutcomeSimple       string    `json:"outcome_simple"`
	Sentiment           string    `json:"sentiment"`
	CallDurationSeconds *int      `json:"call_duration_seconds"`
	ObjectionCount      *int      `json:"objection_count"`
	PositiveWords       *int      `json:"positive_words"`
	NegativeWords       *int      `json:"negative_words"`
	CallDate            time.Time `json:"call_date"`
	CreatedAt           time.Time `json:"created_at"`
}

// Successful reports whether the event closed with a booking.
func (e CallEvent) Successful() bool { return e.OutcomeSimple == OutcomeSuccessful }

// Carrier holds the materialized rollup for one carrier identity.
type Carrier struct {
	ID                   int64      `json:"carrier_id"`
	Name                 string     `json:"carrier_name"`
	NameKey              string     `json:"-"`
	MCNumber             *string    `json:"mc_number"`
	TotalCalls           int        `json:"total_calls"`
	SuccessfulCalls      int        `json:"successful_calls"`
	SuccessRate          float64    `json:"success_rate"`
	AvgRatePerMile       *float64   `json:"avg_rpm"`
	AvgNegotiationRounds *float64   `json:"avg_negotiation_rounds"`
	AvgRateVariance      *float64   `json:"avg_rate_variance"`
	AvgCallDuration      *float64   `json:"avg_call_duration_seconds"`
	AvgObjections        *float64   `json:"avg_objections"`
	AvgPositiveWords     *float64   `json:"avg_positive_words"`
	AvgNegativeWords     *float64   `json:"avg_negative_words"`
	PositiveCalls        int        `json:"positive_calls"`
	NegativeCalls        int        `json:"negative_calls"`
	NeutralCalls         int        `json:"neutral_calls"`
	UnknownCalls         int        `json:"unknown_calls"`
	TotalLoadsShown      int        `json:"total_loads_shown"`
	AvgLoadsShown        *float64   `json:"avg_loads_per_call"`
	LastCallDate         *time.Time `json:"last_call_date"`
	Status               string     `json:"status"`
	Preferred            bool       `json:"preferred"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// CarrierEquipment is the per (carrier, equipment type) rollup.
type CarrierEquipment struct {
	ID            int64   `json:"id"`
	CarrierID     int64   `json:"carrier_id"`
	EquipmentType string  `json:"equipment_type"`
	CallCount     int     `json:"call_count"`
	SuccessCount  int     `json:"success_count"`
	SuccessRate   float64 `json:"success_rate"`
}

// CarrierLane is the per (carrier, lane) rollup.
type CarrierLane struct {
	ID              int64      `json:"id"`
	CarrierID       int64      `json:"carrier_id"`
	Lane            string     `json:"lane"`
	Origin          *string    `json:"origin"`
	Destination     *string    `json:"destination"`
	Miles           float64    `json:"miles"`
	TotalCalls      int        `json:"total_calls"`
	SuccessfulCalls int        `json:"successful_calls"`
	SuccessRate     float64    `json:"success_rate"`
	AvgRatePerMile  *float64   `json:"avg_rpm"`
	AvgPostedRate   *float64   `json:"avg_loadboard_rate"`
	AvgFinalRate    *float64   `json:"avg_final_rate"`
	LastCallDate    *time.Time `json:"last_call_date"`
}

// RouteStat aggregates one carrier's events on a route selection.
type RouteStat struct {
	CarrierID       int64
	CarrierName     string
	CarrierMCNumber *string
	Calls           int
	SuccessfulCalls int
	AvgFinalRate    *float64
	AvgRounds       *float64
}

// EventFilter narrows event scans. Bounds are inclusive on call date.
type EventFilter struct {
	From *time.Time
	To   *time.Time
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
