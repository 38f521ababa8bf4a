package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
)

const eventColumns = `id, call_id, carrier_id, carrier_name, carrier_mc_number, load_id, lane, origin, destination, miles,
	equipment_type, commodity, weight, posted_rate, counter_offer_rate, final_rate, rate_per_mile, rate_variance_pct,
	negotiation_rounds, loads_shown, outcome, outcome_simple, sentiment, call_duration_seconds, objection_count,
	positive_words, negative_words, call_date, created_at`

// InsertEvent appends a call event and returns its id. A repeated call id
// yields ErrDuplicateEvent.
func (t *Tx) InsertEvent(ctx context.Context, e *CallEvent) (int64, error) {
	e.CreatedAt = t.now
	var id int64
	err := t.queryRow(ctx, `INSERT INTO call_events(call_id, carrier_id, carrier_name, carrier_mc_number, load_id, lane, origin, destination, miles,
		equipment_type, commodity, weight, posted_rate, counter_offer_rate, final_rate, rate_per_mile, rate_variance_pct,
		negotiation_rounds, loads_shown, outcome, outcome_simple, sentiment, call_duration_seconds, objection_count,
		positive_words, negative_words, call_date, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		e.CallID, e.CarrierID, e.CarrierName, nullString(e.CarrierMCNumber), nullString(e.LoadID), e.Lane,
		nullString(e.Origin), nullString(e.Destination), e.Miles, e.EquipmentType, nullString(e.Commodity),
		nullFloat(e.Weight), nullFloat(e.PostedRate), nullFloat(e.CounterOfferRate), nullFloat(e.FinalRate),
		nullFloat(e.RatePerMile), nullFloat(e.RateVariancePct), nullInt(e.NegotiationRounds), nullInt(e.LoadsShown),
		nullString(e.Outcome), e.OutcomeSimple, e.Sentiment, nullInt(e.CallDurationSeconds), nullInt(e.ObjectionCount),
		nullInt(e.PositiveWords), nullInt(e.NegativeWords), toMillis(e.CallDate), toMillis(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		if t.d.isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.CallID)
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}
	e.ID = id
	return id, nil
}

// EventExists reports whether a call id has already been ingested.
func (q querier) EventExists(ctx context.Context, callID string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM call_events WHERE call_id = ?`, callID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CarrierEvents streams every event of a carrier in insertion order.
// The sequence holds an open cursor until iteration stops.
func (q querier) CarrierEvents(ctx context.Context, carrierID int64) iter.Seq2[CallEvent, error] {
	return q.events(ctx, `SELECT `+eventColumns+` FROM call_events WHERE carrier_id = ? ORDER BY id ASC`, carrierID)
}

// Events streams events matching f, oldest call date first.
func (q querier) Events(ctx context.Context, f EventFilter) iter.Seq2[CallEvent, error] {
	var where []string
	var args []any
	if f.From != nil {
		where = append(where, "call_date >= ?")
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		where = append(where, "call_date <= ?")
		args = append(args, toMillis(*f.To))
	}
	query := `SELECT ` + eventColumns + ` FROM call_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY call_date ASC, id ASC`
	return q.events(ctx, query, args...)
}

// RecentEvents returns the newest events by creation time.
func (q querier) RecentEvents(ctx context.Context, limit int) ([]CallEvent, error) {
	var out []CallEvent
	for ev, err := range q.events(ctx, `SELECT `+eventColumns+` FROM call_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (q querier) events(ctx context.Context, query string, args ...any) iter.Seq2[CallEvent, error] {
	return func(yield func(CallEvent, error) bool) {
		rows, err := q.query(ctx, query, args...)
		if err != nil {
			yield(CallEvent{}, fmt.Errorf("query events: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(CallEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(CallEvent{}, err)
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (CallEvent, error) {
	var e CallEvent
	var mc, loadID, origin, destination, commodity, outcome sql.NullString
	var weight, posted, counter, final, rpm, variance sql.NullFloat64
	var rounds, loads, duration, objections, posWords, negWords sql.NullInt64
	var callDate, createdAt int64
	err := row.Scan(&e.ID, &e.CallID, &e.CarrierID, &e.CarrierName, &mc, &loadID, &e.Lane, &origin, &destination, &e.Miles,
		&e.EquipmentType, &commodity, &weight, &posted, &counter, &final, &rpm, &variance,
		&rounds, &loads, &outcome, &e.OutcomeSimple, &e.Sentiment, &duration, &objections,
		&posWords, &negWords, &callDate, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, ErrNotFound
		}
		return e, err
	}
	e.CarrierMCNumber = stringPtr(mc)
	e.LoadID = stringPtr(loadID)
	e.Origin = stringPtr(origin)
	e.Destination = stringPtr(destination)
	e.Commodity = stringPtr(commodity)
	e.Weight = floatPtr(weight)
	e.PostedRate = floatPtr(posted)
	e.CounterOfferRate = floatPtr(counter)
	e.FinalRate = floatPtr(final)
	e.RatePerMile = floatPtr(rpm)
	e.RateVariancePct = floatPtr(variance)
	e.NegotiationRounds = intPtr(rounds)
	e.LoadsShown = intPtr(loads)
	e.Outcome = stringPtr(outcome)
	e.CallDurationSeconds = intPtr(duration)
	e.ObjectionCount = intPtr(objections)
	e.PositiveWords = intPtr(posWords)
	e.NegativeWords = intPtr(negWords)
	e.CallDate = fromMillis(callDate)
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}
