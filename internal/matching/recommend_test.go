package matching

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"carrier_analytics/internal/ingest"
	"carrier_analytics/internal/rollup"
	"carrier_analytics/internal/store"
)

func TestRouteScoreAndReasons(t *testing.T) {
	veteran := store.RouteStat{Calls: 10, SuccessfulCalls: 8, AvgRounds: f(2), AvgFinalRate: f(1500)}
	require.Equal(t, 70.0, routeScore(veteran, 0.8))
	require.Equal(t, []string{"High conversion rate", "Experienced on this route", "Quick to close deals", "Competitive rates"},
		routeReasons(veteran, 0.8))

	newcomer := store.RouteStat{Calls: 1, AvgFinalRate: f(2500)}
	require.Equal(t, 2.0, routeScore(newcomer, 0))
	require.Empty(t, routeReasons(newcomer, 0))
}

func TestRecommendSortsAndCaps(t *testing.T) {
	r := &fakeReader{}
	for i := 1; i <= 7; i++ {
		r.route = append(r.route, store.RouteStat{CarrierID: int64(i), Calls: i, SuccessfulCalls: i})
	}
	out, err := newEngine(r).Recommend(context.Background(), " Chicago ", "Detroit")
	require.NoError(t, err)
	require.Equal(t, "Chicago", out.Origin)
	require.False(t, out.Fallback)
	require.Len(t, out.Recommendations, MaxResults)
	require.Equal(t, int64(7), out.Recommendations[0].CarrierID)
	for i := 1; i < len(out.Recommendations); i++ {
		require.GreaterOrEqual(t, out.Recommendations[i-1].Score, out.Recommendations[i].Score)
	}
	require.Zero(t, r.endpointLimit)
}

func TestRecommendFallsBackToEndpoints(t *testing.T) {
	r := &fakeReader{endpoints: []store.RouteStat{{CarrierID: 4, Calls: 3, SuccessfulCalls: 3}}}
	out, err := newEngine(r).Recommend(context.Background(), "Chicago", "Detroit")
	require.NoError(t, err)
	require.True(t, out.Fallback)
	require.Equal(t, RouteFallbackLimit, r.endpointLimit)
	require.Len(t, out.Recommendations, 1)
	require.Equal(t, 100.0, out.Recommendations[0].ConversionRate)
	require.Equal(t, 46.0, out.Recommendations[0].Score)
}

func TestRecommendRequiresEndpoints(t *testing.T) {
	_, err := newEngine(&fakeReader{}).Recommend(context.Background(), "Chicago", "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecommendFromStore(t *testing.T) {
	log := quietLogger()
	st, err := store.Open(store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "recommend.db"),
		Logger: log,
		Clock:  clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	ing := ingest.NewService(st, rollup.NewEngine(log), nil, log)
	mc := "MC123"
	events := []ingest.Envelope{
		{CallID: "1", Carrier: &ingest.CarrierRef{Name: "Acme", MCNumber: mc}, Origin: "Chicago", Destination: "Detroit"},
		{CallID: "2", Carrier: &ingest.CarrierRef{Name: "Acme", MCNumber: mc}, Origin: "Chicago", Destination: "Detroit"},
		{CallID: "3", CarrierName: "Bolt", Origin: "Chicago", Destination: "Detroit", OutcomeSimple: "Unsuccessful"},
		{CallID: "4", CarrierName: "Cargo", Origin: "Chicago", Destination: "Toledo"},
	}
	for _, env := range events {
		env.Miles = f(283)
		env.EquipmentType = "Dry Van"
		env.FinalRate = f(1200)
		env.NegotiationRounds = n(2)
		if env.OutcomeSimple == "" {
			env.OutcomeSimple = "Successful"
		}
		env.Sentiment = "neutral"
		env.CallDate = "2025-03-09"
		_, err := ing.Ingest(ctx, env)
		require.NoError(t, err)
	}

	out, err := newEngine(st).Recommend(ctx, "Chicago", "Detroit")
	require.NoError(t, err)
	require.False(t, out.Fallback)
	require.Len(t, out.Recommendations, 2)
	acme := out.Recommendations[0]
	require.Equal(t, "Acme", acme.CarrierName)
	require.Equal(t, mc, *acme.CarrierMCNumber)
	require.Equal(t, 2, acme.Calls)
	// 1.0*40 + 2*2 + (5-2)*6
	require.Equal(t, 62.0, acme.Score)
	require.Equal(t, "Bolt", out.Recommendations[1].CarrierName)

	fallback, err := newEngine(st).Recommend(ctx, "Columbus", "Toledo")
	require.NoError(t, err)
	require.True(t, fallback.Fallback)
	require.Len(t, fallback.Recommendations, 1)
	require.Equal(t, "Cargo", fallback.Recommendations[0].CarrierName)
}
