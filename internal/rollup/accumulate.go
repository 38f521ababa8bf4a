package rollup

import (
	"time"

	"carrier_analytics/internal/store"
)

// mean is a running arithmetic mean that ignores absent values.
type mean struct {
	sum float64
	n   int
}

func (m *mean) addFloat(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m *mean) addInt(v *int) {
	if v == nil {
		return
	}
	m.sum += float64(*v)
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

func rate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total) * 100
}

type equipmentAcc struct {
	calls   int
	success int
}

type laneAcc struct {
	origin      *string
	destination *string
	miles       float64
	calls       int
	success     int
	rpm         mean
	posted      mean
	last        *time.Time
}

// accumulator folds a carrier's events into running sums for the carrier
// and both child groupings. Group order is first-seen.
type accumulator struct {
	total      int
	successful int
	sentiment  map[string]int
	loadsTotal int

	rpm        mean
	rounds     mean
	variance   mean
	duration   mean
	objections mean
	posWords   mean
	negWords   mean
	loads      mean
	last       *time.Time

	equipment      map[string]*equipmentAcc
	equipmentOrder []string
	lanes          map[string]*laneAcc
	laneOrder      []string
}

func newAccumulator() *accumulator {
	return &accumulator{
		sentiment: map[string]int{},
		equipment: map[string]*equipmentAcc{},
		lanes:     map[string]*laneAcc{},
	}
}

func (a *accumulator) add(ev store.CallEvent) {
	ok := ev.Successful()
	a.total++
	if ok {
		a.successful++
	}
	a.sentiment[ev.Sentiment]++
	if ev.LoadsShown != nil {
		a.loadsTotal += *ev.LoadsShown
	}
	a.rpm.addFloat(ev.RatePerMile)
	a.rounds.addInt(ev.NegotiationRounds)
	a.variance.addFloat(ev.RateVariancePct)
	a.duration.addInt(ev.CallDurationSeconds)
	a.objections.addInt(ev.ObjectionCount)
	a.posWords.addInt(ev.PositiveWords)
	a.negWords.addInt(ev.NegativeWords)
	a.loads.addInt(ev.LoadsShown)
	a.last = later(a.last, ev.CallDate)

	eq, found := a.equipment[ev.EquipmentType]
	if !found {
		eq = &equipmentAcc{}
		a.equipment[ev.EquipmentType] = eq
		a.equipmentOrder = append(a.equipmentOrder, ev.EquipmentType)
	}
	eq.calls++
	if ok {
		eq.success++
	}

	ln, found := a.lanes[ev.Lane]
	if !found {
		ln = &laneAcc{}
		a.lanes[ev.Lane] = ln
		a.laneOrder = append(a.laneOrder, ev.Lane)
	}
	ln.origin = ev.Origin
	ln.destination = ev.Destination
	ln.miles = ev.Miles
	ln.calls++
	if ok {
		ln.success++
	}
	if ev.FinalRate != nil {
		ln.rpm.addFloat(ev.RatePerMile)
	}
	ln.posted.addFloat(ev.PostedRate)
	ln.last = later(ln.last, ev.CallDate)
}

// snapshot materializes the accumulated sums onto base, which supplies the
// carrier's identity fields.
func (a *accumulator) snapshot(base store.Carrier) Snapshot {
	c := base
	c.TotalCalls = a.total
	c.SuccessfulCalls = a.successful
	c.SuccessRate = rate(a.successful, a.total)
	c.AvgRatePerMile = a.rpm.value()
	c.AvgNegotiationRounds = a.rounds.value()
	c.AvgRateVariance = a.variance.value()
	c.AvgCallDuration = a.duration.value()
	c.AvgObjections = a.objections.value()
	c.AvgPositiveWords = a.posWords.value()
	c.AvgNegativeWords = a.negWords.value()
	c.PositiveCalls = a.sentiment[store.SentimentPositive]
	c.NegativeCalls = a.sentiment[store.SentimentNegative]
	c.NeutralCalls = a.sentiment[store.SentimentNeutral]
	c.UnknownCalls = a.sentiment[store.SentimentUnknown]
	c.TotalLoadsShown = a.loadsTotal
	c.AvgLoadsShown = a.loads.value()
	c.LastCallDate = a.last

	snap := Snapshot{Carrier: c}
	for _, key := range a.equipmentOrder {
		eq := a.equipment[key]
		snap.Equipment = append(snap.Equipment, store.CarrierEquipment{
			CarrierID:     c.ID,
			EquipmentType: key,
			CallCount:     eq.calls,
			SuccessCount:  eq.success,
			SuccessRate:   rate(eq.success, eq.calls),
		})
	}
	for _, key := range a.laneOrder {
		ln := a.lanes[key]
		avgRPM := ln.rpm.value()
		var avgFinal *float64
		if avgRPM != nil {
			// Baseline approximation: mean rpm times the last seen miles.
			v := *avgRPM * ln.miles
			avgFinal = &v
		}
		snap.Lanes = append(snap.Lanes, store.CarrierLane{
			CarrierID:       c.ID,
			Lane:            key,
			Origin:          ln.origin,
			Destination:     ln.destination,
			Miles:           ln.miles,
			TotalCalls:      ln.calls,
			SuccessfulCalls: ln.success,
			SuccessRate:     rate(ln.success, ln.calls),
			AvgRatePerMile:  avgRPM,
			AvgPostedRate:   ln.posted.value(),
			AvgFinalRate:    avgFinal,
			LastCallDate:    ln.last,
		})
	}
	return snap
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
