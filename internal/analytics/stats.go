package analytics

import (
	"github.com/shopspring/decimal"

	"carrier_analytics/internal/store"
)

// avg is a running mean over present values.
type avg struct {
	sum float64
	n   int
}

func (a *avg) addFloat(v *float64) {
	if v != nil {
		a.sum += *v
		a.n++
	}
}

func (a *avg) addInt(v *int) {
	if v != nil {
		a.sum += float64(*v)
		a.n++
	}
}

func (a *avg) add(v float64) {
	a.sum += v
	a.n++
}

// value returns the rounded mean, or 0 when nothing was added.
func (a avg) value() float64 {
	if a.n == 0 {
		return 0
	}
	return round2(a.sum / float64(a.n))
}

func (a avg) ptr() *float64 {
	if a.n == 0 {
		return nil
	}
	v := round2(a.sum / float64(a.n))
	return &v
}

// group accumulates the measures shared by every breakdown.
type group struct {
	calls    int
	success  int
	posted   avg
	final    avg
	rpm      avg
	rounds   avg
	loads    avg
	duration avg
}

func (g *group) add(ev store.CallEvent) {
	g.calls++
	if ev.Successful() {
		g.success++
	}
	g.posted.addFloat(ev.PostedRate)
	g.final.addFloat(ev.FinalRate)
	g.rpm.addFloat(ev.RatePerMile)
	g.rounds.addInt(ev.NegotiationRounds)
	g.loads.addInt(ev.LoadsShown)
	g.duration.addInt(ev.CallDurationSeconds)
}

func (g group) successRate() float64 {
	return percent(g.success, g.calls)
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// sentimentScore maps labels onto +1/-1/0.
func sentimentScore(label string) float64 {
	switch label {
	case store.SentimentPositive:
		return 1
	case store.SentimentNegative:
		return -1
	default:
		return 0
	}
}
