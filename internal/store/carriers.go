package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const carrierColumns = `id, name, name_key, mc_number, total_calls, successful_calls, success_rate, avg_rate_per_mile,
	avg_negotiation_rounds, avg_rate_variance, avg_call_duration, avg_objections, avg_positive_words,
	avg_negative_words, positive_calls, negative_calls, neutral_calls, unknown_calls, total_loads_shown,
	avg_loads_shown, last_call_date, status, preferred, created_at, updated_at`

// GetOrCreateCarrier resolves the carrier owning nameKey, inserting it with
// zeroed counters when absent. The unique key on name_key makes the insert
// safe against concurrent first sightings. The row stays locked until the
// transaction ends. A known MC number is recorded the first time one is seen.
func (t *Tx) GetOrCreateCarrier(ctx context.Context, name, nameKey string, mcNumber *string) (Carrier, bool, error) {
	if mcNumber != nil && *mcNumber == "" {
		mcNumber = nil
	}
	res, err := t.exec(ctx, `INSERT INTO carriers(name, name_key, mc_number, status, created_at, updated_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(name_key) DO NOTHING`, name, nameKey, nullString(mcNumber), CarrierStatusActive, toMillis(t.now), toMillis(t.now))
	if err != nil {
		return Carrier{}, false, fmt.Errorf("insert carrier: %w", err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}
	c, err := scanCarrier(t.queryRow(ctx, `SELECT `+carrierColumns+` FROM carriers WHERE name_key = ?`+t.d.forUpdate(), nameKey))
	if err != nil {
		return Carrier{}, false, fmt.Errorf("load carrier %q: %w", nameKey, err)
	}
	if c.MCNumber == nil && mcNumber != nil {
		if _, err := t.exec(ctx, `UPDATE carriers SET mc_number = ?, updated_at = ? WHERE id = ? AND mc_number IS NULL`,
			*mcNumber, toMillis(t.now), c.ID); err != nil {
			return Carrier{}, false, fmt.Errorf("record mc number: %w", err)
		}
		mc := *mcNumber
		c.MCNumber = &mc
	}
	return c, created, nil
}

// LockCarrier loads a carrier and holds its row lock until the transaction
// ends, so two recomputes of one carrier cannot interleave.
func (t *Tx) LockCarrier(ctx context.Context, id int64) (Carrier, error) {
	return scanCarrier(t.queryRow(ctx, `SELECT `+carrierColumns+` FROM carriers WHERE id = ?`+t.d.forUpdate(), id))
}

// SaveCarrierRollup overwrites the rollup fields of an existing carrier.
func (t *Tx) SaveCarrierRollup(ctx context.Context, c Carrier) error {
	res, err := t.exec(ctx, `UPDATE carriers SET total_calls=?, successful_calls=?, success_rate=?, avg_rate_per_mile=?,
		avg_negotiation_rounds=?, avg_rate_variance=?, avg_call_duration=?, avg_objections=?, avg_positive_words=?,
		avg_negative_words=?, positive_calls=?, negative_calls=?, neutral_calls=?, unknown_calls=?, total_loads_shown=?,
		avg_loads_shown=?, last_call_date=?, updated_at=? WHERE id=?`,
		c.TotalCalls, c.SuccessfulCalls, c.SuccessRate, nullFloat(c.AvgRatePerMile),
		nullFloat(c.AvgNegotiationRounds), nullFloat(c.AvgRateVariance), nullFloat(c.AvgCallDuration),
		nullFloat(c.AvgObjections), nullFloat(c.AvgPositiveWords), nullFloat(c.AvgNegativeWords),
		c.PositiveCalls, c.NegativeCalls, c.NeutralCalls, c.UnknownCalls, c.TotalLoadsShown,
		nullFloat(c.AvgLoadsShown), toNullMillis(c.LastCallDate), toMillis(t.now), c.ID)
	if err != nil {
		return fmt.Errorf("update carrier rollup: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("carrier %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (t *Tx) UpsertEquipment(ctx context.Context, e CarrierEquipment) error {
	_, err := t.exec(ctx, `INSERT INTO carrier_equipment(carrier_id, equipment_type, call_count, success_count, success_rate, updated_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(carrier_id, equipment_type) DO UPDATE SET call_count=excluded.call_count, success_count=excluded.success_count,
		success_rate=excluded.success_rate, updated_at=excluded.updated_at`,
		e.CarrierID, e.EquipmentType, e.CallCount, e.SuccessCount, e.SuccessRate, toMillis(t.now))
	if err != nil {
		return fmt.Errorf("upsert equipment %q: %w", e.EquipmentType, err)
	}
	return nil
}

func (t *Tx) UpsertLane(ctx context.Context, l CarrierLane) error {
	_, err := t.exec(ctx, `INSERT INTO carrier_lanes(carrier_id, lane, origin, destination, miles, total_calls, successful_calls,
		success_rate, avg_rate_per_mile, avg_posted_rate, avg_final_rate, last_call_date, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(carrier_id, lane) DO UPDATE SET origin=excluded.origin, destination=excluded.destination, miles=excluded.miles,
		total_calls=excluded.total_calls, successful_calls=excluded.successful_calls, success_rate=excluded.success_rate,
		avg_rate_per_mile=excluded.avg_rate_per_mile, avg_posted_rate=excluded.avg_posted_rate,
		avg_final_rate=excluded.avg_final_rate, last_call_date=excluded.last_call_date, updated_at=excluded.updated_at`,
		l.CarrierID, l.Lane, nullString(l.Origin), nullString(l.Destination), l.Miles, l.TotalCalls, l.SuccessfulCalls,
		l.SuccessRate, nullFloat(l.AvgRatePerMile), nullFloat(l.AvgPostedRate), nullFloat(l.AvgFinalRate),
		toNullMillis(l.LastCallDate), toMillis(t.now))
	if err != nil {
		return fmt.Errorf("upsert lane %q: %w", l.Lane, err)
	}
	return nil
}

// PruneEquipment deletes equipment rows of the carrier whose type is not in keep.
func (t *Tx) PruneEquipment(ctx context.Context, carrierID int64, keep []string) (int64, error) {
	return t.prune(ctx, "carrier_equipment", "equipment_type", carrierID, keep)
}

// PruneLanes deletes lane rows of the carrier whose lane is not in keep.
func (t *Tx) PruneLanes(ctx context.Context, carrierID int64, keep []string) (int64, error) {
	return t.prune(ctx, "carrier_lanes", "lane", carrierID, keep)
}

func (t *Tx) prune(ctx context.Context, table, column string, carrierID int64, keep []string) (int64, error) {
	query := `DELETE FROM ` + table + ` WHERE carrier_id = ?`
	args := []any{carrierID}
	if len(keep) > 0 {
		query += ` AND ` + column + ` NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
		for _, k := range keep {
			args = append(args, k)
		}
	}
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q querier) GetCarrier(ctx context.Context, id int64) (Carrier, error) {
	return scanCarrier(q.queryRow(ctx, `SELECT `+carrierColumns+` FROM carriers WHERE id = ?`, id))
}

func (q querier) ListCarriers(ctx context.Context) ([]Carrier, error) {
	return q.carriers(ctx, `SELECT `+carrierColumns+` FROM carriers ORDER BY id ASC`)
}

// CarrierIDs lists every carrier id in ascending order.
func (q querier) CarrierIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.query(ctx, `SELECT id FROM carriers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q querier) ListEquipment(ctx context.Context, carrierID int64) ([]CarrierEquipment, error) {
	rows, err := q.query(ctx, `SELECT id, carrier_id, equipment_type, call_count, success_count, success_rate
		FROM carrier_equipment WHERE carrier_id = ? ORDER BY call_count DESC, equipment_type ASC`, carrierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CarrierEquipment{}
	for rows.Next() {
		var e CarrierEquipment
		if err := rows.Scan(&e.ID, &e.CarrierID, &e.EquipmentType, &e.CallCount, &e.SuccessCount, &e.SuccessRate); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q querier) ListLanes(ctx context.Context, carrierID int64) ([]CarrierLane, error) {
	rows, err := q.query(ctx, `SELECT id, carrier_id, lane, origin, destination, miles, total_calls, successful_calls, success_rate,
		avg_rate_per_mile, avg_posted_rate, avg_final_rate, last_call_date
		FROM carrier_lanes WHERE carrier_id = ? ORDER BY total_calls DESC, lane ASC`, carrierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CarrierLane{}
	for rows.Next() {
		var l CarrierLane
		var origin, destination sql.NullString
		var rpm, posted, final sql.NullFloat64
		var last sql.NullInt64
		if err := rows.Scan(&l.ID, &l.CarrierID, &l.Lane, &origin, &destination, &l.Miles, &l.TotalCalls, &l.SuccessfulCalls,
			&l.SuccessRate, &rpm, &posted, &final, &last); err != nil {
			return nil, err
		}
		l.Origin = stringPtr(origin)
		l.Destination = stringPtr(destination)
		l.AvgRatePerMile = floatPtr(rpm)
		l.AvgPostedRate = floatPtr(posted)
		l.AvgFinalRate = floatPtr(final)
		l.LastCallDate = fromNullMillis(last)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CarriersWithLaneEquipment returns carriers with at least one event on
// exactly this lane and equipment type.
func (q querier) CarriersWithLaneEquipment(ctx context.Context, lane, equipmentType string) ([]Carrier, error) {
	return q.carriers(ctx, `SELECT `+carrierColumns+` FROM carriers WHERE id IN (
		SELECT DISTINCT carrier_id FROM call_events WHERE lane = ? AND equipment_type = ?) ORDER BY id ASC`, lane, equipmentType)
}

// CarriersByEquipment returns carriers that ran the equipment type, busiest first.
func (q querier) CarriersByEquipment(ctx context.Context, equipmentType string, limit int) ([]Carrier, error) {
	return q.carriers(ctx, `SELECT `+qualify(carrierColumns, "c")+` FROM carriers c
		JOIN carrier_equipment ce ON ce.carrier_id = c.id
		WHERE ce.equipment_type = ?
		ORDER BY ce.call_count DESC, c.id ASC LIMIT ?`, equipmentType, limit)
}

// RouteStats aggregates each carrier's events on the exact origin and destination.
func (q querier) RouteStats(ctx context.Context, origin, destination string) ([]RouteStat, error) {
	return q.routeStats(ctx, `e.origin = ? AND e.destination = ?`, `e.carrier_id ASC`, 0, origin, destination)
}

// EndpointStats aggregates each carrier's events sharing either endpoint, busiest first.
func (q querier) EndpointStats(ctx context.Context, origin, destination string, limit int) ([]RouteStat, error) {
	return q.routeStats(ctx, `(e.origin = ? OR e.destination = ?)`, `COUNT(*) DESC, e.carrier_id ASC`, limit, origin, destination)
}

func (q querier) routeStats(ctx context.Context, where, order string, limit int, args ...any) ([]RouteStat, error) {
	query := `SELECT e.carrier_id, c.name, MAX(e.carrier_mc_number), COUNT(*),
		SUM(CASE WHEN e.outcome_simple = ? THEN 1 ELSE 0 END), AVG(e.final_rate), AVG(CAST(e.negotiation_rounds AS DOUBLE PRECISION))
		FROM call_events e JOIN carriers c ON c.id = e.carrier_id
		WHERE ` + where + `
		GROUP BY e.carrier_id, c.name
		ORDER BY ` + order
	args = append([]any{OutcomeSuccessful}, args...)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RouteStat
	for rows.Next() {
		var r RouteStat
		var mc sql.NullString
		var avgRate, avgRounds sql.NullFloat64
		if err := rows.Scan(&r.CarrierID, &r.CarrierName, &mc, &r.Calls, &r.SuccessfulCalls, &avgRate, &avgRounds); err != nil {
			return nil, err
		}
		r.CarrierMCNumber = stringPtr(mc)
		r.AvgFinalRate = floatPtr(avgRate)
		r.AvgRounds = floatPtr(avgRounds)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q querier) carriers(ctx context.Context, query string, args ...any) ([]Carrier, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Carrier{}
	for rows.Next() {
		c, err := scanCarrier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanCarrier(row scanner) (Carrier, error) {
	var c Carrier
	var mc sql.NullString
	var rpm, rounds, variance, duration, objections, posWords, negWords, avgLoads sql.NullFloat64
	var last sql.NullInt64
	var preferred int64
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.Name, &c.NameKey, &mc, &c.TotalCalls, &c.SuccessfulCalls, &c.SuccessRate, &rpm,
		&rounds, &variance, &duration, &objections, &posWords,
		&negWords, &c.PositiveCalls, &c.NegativeCalls, &c.NeutralCalls, &c.UnknownCalls, &c.TotalLoadsShown,
		&avgLoads, &last, &c.Status, &preferred, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	c.MCNumber = stringPtr(mc)
	c.AvgRatePerMile = floatPtr(rpm)
	c.AvgNegotiationRounds = floatPtr(rounds)
	c.AvgRateVariance = floatPtr(variance)
	c.AvgCallDuration = floatPtr(duration)
	c.AvgObjections = floatPtr(objections)
	c.AvgPositiveWords = floatPtr(posWords)
	c.AvgNegativeWords = floatPtr(negWords)
	c.AvgLoadsShown = floatPtr(avgLoads)
	c.LastCallDate = fromNullMillis(last)
	c.Preferred = preferred != 0
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}
