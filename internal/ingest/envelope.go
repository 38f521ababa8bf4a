package ingest

import (
	"fmt"
	"strings"
	"time"

	"carrier_analytics/internal/store"
)

// LaneSeparator joins origin and destination into a lane descriptor.
const LaneSeparator = " → "

// Envelope is the inbound call-completed payload. The nested carrier and
// load objects are accepted as an alternative to the flat fields.
type Envelope struct {
	CallID          string   `json:"call_id"`
	CarrierName     string   `json:"carrier_name"`
	CarrierMCNumber string   `json:"carrier_mc_number"`
	LoadID          string   `json:"load_id"`
	Lane            string   `json:"lane"`
	Origin          string   `json:"origin"`
	Destination     string   `json:"destination"`
	Miles           *float64 `json:"miles"`
	EquipmentType   string   `json:"equipment_type"`
	Commodity       string   `json:"commodity"`
	Weight          *float64 `json:"weight"`

	PostedRate       *float64 `json:"posted_rate"`
	CounterOfferRate *float64 `json:"counter_offer_rate"`
	FinalRate        *float64 `json:"final_rate"`

	NegotiationRounds   *int   `json:"negotiation_rounds"`
	LoadsShown          *int   `json:"loads_shown"`
	Outcome             string `json:"outcome"`
	OutcomeSimple       string `json:"outcome_simple"`
	Sentiment           string `json:"sentiment"`
	CallDurationSeconds *int   `json:"call_duration_seconds"`
	ObjectionCount      *int   `json:"objection_count"`
	PositiveWords       *int   `json:"positive_words"`
	NegativeWords       *int   `json:"negative_words"`
	CallDate            string `json:"call_date"`

	Carrier *CarrierRef `json:"carrier,omitempty"`
	Load    *LoadRef    `json:"load,omitempty"`
}

type CarrierRef struct {
	Name     string `json:"name"`
	MCNumber string `json:"mc_number"`
}

type LoadRef struct {
	LoadID        string   `json:"load_id"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	EquipmentType string   `json:"equipment_type"`
	LoadboardRate *float64 `json:"loadboard_rate"`
	Miles         *float64 `json:"miles"`
	Commodity     string   `json:"commodity_type"`
	Weight        *float64 `json:"weight"`
}

// FieldError names one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in an envelope.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

var outcomes = map[string]string{
	"successful":   store.OutcomeSuccessful,
	"unsuccessful": store.OutcomeUnsuccessful,
	"pending":      store.OutcomePending,
}

var sentiments = map[string]string{
	store.SentimentPositive: store.SentimentPositive,
	store.SentimentNegative: store.SentimentNegative,
	store.SentimentNeutral:  store.SentimentNeutral,
	store.SentimentUnknown:  store.SentimentUnknown,
}

var callDateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// Normalize validates the envelope and returns the canonical event with
// derived rate fields. The carrier id is left for the caller to resolve.
func (env Envelope) Normalize() (store.CallEvent, error) {
	env.mergeNested()
	verr := &ValidationError{}
	var ev store.CallEvent

	ev.CallID = strings.TrimSpace(env.CallID)
	if ev.CallID == "" {
		verr.add("call_id", "required")
	}
	ev.CarrierName = strings.TrimSpace(env.CarrierName)
	if ev.CarrierName == "" {
		verr.add("carrier_name", "required")
	}

	origin, destination := strings.TrimSpace(env.Origin), strings.TrimSpace(env.Destination)
	lane := strings.TrimSpace(env.Lane)
	if lane == "" && origin != "" && destination != "" {
		lane = origin + LaneSeparator + destination
	}
	if lane != "" && origin == "" && destination == "" {
		origin, destination = SplitLane(lane)
	}
	if lane == "" {
		verr.add("lane", "lane or origin and destination required")
	}
	ev.Lane = lane
	ev.Origin = optString(origin)
	ev.Destination = optString(destination)

	switch {
	case env.Miles == nil:
		verr.add("miles", "required")
	case *env.Miles <= 0:
		verr.add("miles", "must be positive")
	default:
		ev.Miles = *env.Miles
	}

	ev.EquipmentType = strings.TrimSpace(env.EquipmentType)
	if ev.EquipmentType == "" {
		verr.add("equipment_type", "required")
	}

	if raw := strings.TrimSpace(env.OutcomeSimple); raw == "" {
		verr.add("outcome_simple", "required")
	} else if v, ok := outcomes[strings.ToLower(raw)]; ok {
		ev.OutcomeSimple = v
	} else {
		verr.add("outcome_simple", fmt.Sprintf("unknown value %q", raw))
	}

	if raw := strings.TrimSpace(env.Sentiment); raw == "" {
		verr.add("sentiment", "required")
	} else if v, ok := sentiments[strings.ToLower(raw)]; ok {
		ev.Sentiment = v
	} else {
		verr.add("sentiment", fmt.Sprintf("unknown value %q", raw))
	}

	if raw := strings.TrimSpace(env.CallDate); raw == "" {
		verr.add("call_date", "required")
	} else if t, ok := parseCallDate(raw); ok {
		ev.CallDate = t
	} else {
		verr.add("call_date", "must be an ISO 8601 timestamp")
	}

	ev.CarrierMCNumber = optString(env.CarrierMCNumber)
	ev.LoadID = optString(env.LoadID)
	ev.Commodity = optString(env.Commodity)
	ev.Outcome = optString(env.Outcome)

	ev.Weight = nonNegFloat(verr, "weight", env.Weight)
	ev.PostedRate = nonNegFloat(verr, "posted_rate", env.PostedRate)
	ev.CounterOfferRate = nonNegFloat(verr, "counter_offer_rate", env.CounterOfferRate)
	ev.FinalRate = nonNegFloat(verr, "final_rate", env.FinalRate)
	ev.NegotiationRounds = nonNegInt(verr, "negotiation_rounds", env.NegotiationRounds)
	ev.LoadsShown = nonNegInt(verr, "loads_shown", env.LoadsShown)
	ev.CallDurationSeconds = nonNegInt(verr, "call_duration_seconds", env.CallDurationSeconds)
	ev.ObjectionCount = nonNegInt(verr, "objection_count", env.ObjectionCount)
	ev.PositiveWords = nonNegInt(verr, "positive_words", env.PositiveWords)
	ev.NegativeWords = nonNegInt(verr, "negative_words", env.NegativeWords)

	if len(verr.Fields) > 0 {
		return store.CallEvent{}, verr
	}

	if ev.FinalRate != nil {
		rpm := *ev.FinalRate / ev.Miles
		ev.RatePerMile = &rpm
		if ev.PostedRate != nil && *ev.PostedRate > 0 {
			variance := (*ev.FinalRate - *ev.PostedRate) / *ev.PostedRate * 100
			ev.RateVariancePct = &variance
		}
	}
	return ev, nil
}

// SplitLane splits "A → B" or "A -> B" into its endpoints. A lane without a
// separator has no endpoints.
func SplitLane(lane string) (string, string) {
	for _, sep := range []string{"→", "->"} {
		if origin, destination, ok := strings.Cut(lane, sep); ok {
			return strings.TrimSpace(origin), strings.TrimSpace(destination)
		}
	}
	return "", ""
}

func (env *Envelope) mergeNested() {
	if c := env.Carrier; c != nil {
		env.CarrierName = firstNonEmpty(env.CarrierName, c.Name)
		env.CarrierMCNumber = firstNonEmpty(env.CarrierMCNumber, c.MCNumber)
	}
	if l := env.Load; l != nil {
		env.LoadID = firstNonEmpty(env.LoadID, l.LoadID)
		env.Origin = firstNonEmpty(env.Origin, l.Origin)
		env.Destination = firstNonEmpty(env.Destination, l.Destination)
		env.EquipmentType = firstNonEmpty(env.EquipmentType, l.EquipmentType)
		env.Commodity = firstNonEmpty(env.Commodity, l.Commodity)
		if env.PostedRate == nil {
			env.PostedRate = l.LoadboardRate
		}
		if env.Miles == nil {
			env.Miles = l.Miles
		}
		if env.Weight == nil {
			env.Weight = l.Weight
		}
	}
}

func parseCallDate(raw string) (time.Time, bool) {
	for _, layout := range callDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nonNegFloat(verr *ValidationError, field string, v *float64) *float64 {
	if v != nil && *v < 0 {
		verr.add(field, "must not be negative")
		return nil
	}
	return v
}

func nonNegInt(verr *ValidationError, field string, v *int) *int {
	if v != nil && *v < 0 {
		verr.add(field, "must not be negative")
		return nil
	}
	return v
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
