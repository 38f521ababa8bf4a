package matching

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"carrier_analytics/internal/ingest"
	"carrier_analytics/internal/rollup"
	"carrier_analytics/internal/store"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeReader struct {
	lane      []store.Carrier
	equipment []store.Carrier
	route     []store.RouteStat
	endpoints []store.RouteStat

	equipmentLimit int
	endpointLimit  int
}

func (r *fakeReader) CarriersWithLaneEquipment(context.Context, string, string) ([]store.Carrier, error) {
	return r.lane, nil
}

func (r *fakeReader) CarriersByEquipment(_ context.Context, _ string, limit int) ([]store.Carrier, error) {
	r.equipmentLimit = limit
	return r.equipment, nil
}

func (r *fakeReader) RouteStats(context.Context, string, string) ([]store.RouteStat, error) {
	return r.route, nil
}

func (r *fakeReader) EndpointStats(_ context.Context, _, _ string, limit int) ([]store.RouteStat, error) {
	r.endpointLimit = limit
	return r.endpoints, nil
}

func newEngine(r Reader) *Engine {
	return NewEngine(r, clockwork.NewFakeClockAt(now), quietLogger())
}

func TestLoadScore(t *testing.T) {
	top := store.Carrier{SuccessRate: 100, AvgRatePerMile: f(2), AvgNegotiationRounds: f(2), LastCallDate: ago(24 * time.Hour)}
	require.Equal(t, 100.0, loadScore(top, now))

	blank := store.Carrier{}
	require.Equal(t, 35.0, loadScore(blank, now))

	mid := store.Carrier{SuccessRate: 50, AvgRatePerMile: f(3), AvgNegotiationRounds: f(4), LastCallDate: ago(10 * 24 * time.Hour)}
	require.Equal(t, 67.0, loadScore(mid, now))

	slow := store.Carrier{AvgNegotiationRounds: f(9), AvgRatePerMile: f(9)}
	require.Equal(t, 35.0, loadScore(slow, now))
}

func TestConfidence(t *testing.T) {
	require.Equal(t, ConfidenceHigh, confidence(70.1))
	require.Equal(t, ConfidenceMedium, confidence(70))
	require.Equal(t, ConfidenceMedium, confidence(50.5))
	require.Equal(t, ConfidenceLow, confidence(50))
}

func TestFindCarriersSortedAndCapped(t *testing.T) {
	r := &fakeReader{}
	for i := 0; i < 8; i++ {
		r.lane = append(r.lane, store.Carrier{
			ID: int64(i + 1), Name: fmt.Sprintf("Carrier %d", i+1), SuccessRate: float64(i * 10),
			AvgRatePerMile: f(2), LastCallDate: ago(time.Hour),
		})
	}
	out, err := newEngine(r).FindCarriers(context.Background(), LoadRequest{Lane: "A → B", EquipmentType: "Dry Van", Miles: 500})
	require.NoError(t, err)
	require.False(t, out.Fallback)
	require.Len(t, out.Recommendations, MaxResults)
	for i := 1; i < len(out.Recommendations); i++ {
		require.GreaterOrEqual(t, out.Recommendations[i-1].MatchScore, out.Recommendations[i].MatchScore)
	}
	best := out.Recommendations[0]
	require.Equal(t, int64(8), best.CarrierID)
	require.Equal(t, 900.0, best.ExpectedRateMin)
	require.Equal(t, 1100.0, best.ExpectedRateMax)
	require.Equal(t, ConfidenceHigh, best.Confidence)
	require.Contains(t, best.Reasons, "Has run this lane")
	require.Contains(t, best.Reasons, "Recently active")
	require.Contains(t, best.Reasons, "Competitive rate per mile")
	require.Zero(t, r.equipmentLimit)
}

func TestFindCarriersStableOnTies(t *testing.T) {
	r := &fakeReader{lane: []store.Carrier{{ID: 3}, {ID: 1}, {ID: 2}}}
	out, err := newEngine(r).FindCarriers(context.Background(), LoadRequest{Lane: "A", EquipmentType: "Van", Miles: 1})
	require.NoError(t, err)
	ids := []int64{}
	for _, m := range out.Recommendations {
		ids = append(ids, m.CarrierID)
	}
	require.Equal(t, []int64{3, 1, 2}, ids)
}

func TestFindCarriersRejectsBadRequest(t *testing.T) {
	_, err := newEngine(&fakeReader{}).FindCarriers(context.Background(), LoadRequest{Lane: " ", Miles: 0})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Contains(t, err.Error(), "equipment_type is required")
}

func TestFindCarriersAcceptsUnknownMiles(t *testing.T) {
	r := &fakeReader{lane: []store.Carrier{{ID: 1}}}
	out, err := newEngine(r).FindCarriers(context.Background(), LoadRequest{Lane: "A → B", EquipmentType: "Van"})
	require.NoError(t, err)
	require.Len(t, out.Recommendations, 1)
	require.Zero(t, out.Recommendations[0].ExpectedRateMin)
	require.Zero(t, out.Recommendations[0].ExpectedRateMax)

	_, err = newEngine(r).FindCarriers(context.Background(), LoadRequest{Lane: "A → B", EquipmentType: "Van", Miles: -5})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Contains(t, err.Error(), "miles must not be negative")
}

func TestFindCarriersWithoutAnyHistory(t *testing.T) {
	r := &fakeReader{}
	out, err := newEngine(r).FindCarriers(context.Background(), LoadRequest{Lane: "A", EquipmentType: "Van", Miles: 10})
	require.NoError(t, err)
	require.True(t, out.Fallback)
	require.NotNil(t, out.Recommendations)
	require.Empty(t, out.Recommendations)
	require.Equal(t, FallbackCandidates, r.equipmentLimit)
}

type spyStore struct {
	*store.Store
	fallbackCandidates int
}

func (s *spyStore) CarriersByEquipment(ctx context.Context, equipmentType string, limit int) ([]store.Carrier, error) {
	out, err := s.Store.CarriersByEquipment(ctx, equipmentType, limit)
	s.fallbackCandidates = len(out)
	return out, err
}

func TestFindCarriersFallsBackToEquipment(t *testing.T) {
	log := quietLogger()
	st, err := store.Open(store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "matching.db"),
		Logger: log,
		Clock:  clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	ing := ingest.NewService(st, rollup.NewEngine(log), nil, log)
	for i := 0; i < 12; i++ {
		_, err := ing.Ingest(ctx, ingest.Envelope{
			CallID: fmt.Sprintf("call-%d", i), CarrierName: fmt.Sprintf("Carrier %02d", i), Lane: "Dallas → Houston",
			Miles: f(240), EquipmentType: "Dry Van", FinalRate: f(480 + float64(i)*10), NegotiationRounds: n(i % 4),
			OutcomeSimple: "Successful", Sentiment: "positive", CallDate: "2025-03-08T10:00:00Z",
		})
		require.NoError(t, err)
	}

	spy := &spyStore{Store: st}
	out, err := newEngine(spy).FindCarriers(ctx, LoadRequest{Lane: "Reno → Boise", EquipmentType: "Dry Van", Miles: 430})
	require.NoError(t, err)
	require.True(t, out.Fallback)
	require.Equal(t, FallbackCandidates, spy.fallbackCandidates)
	require.Len(t, out.Recommendations, MaxResults)
	for i := 1; i < len(out.Recommendations); i++ {
		require.GreaterOrEqual(t, out.Recommendations[i-1].MatchScore, out.Recommendations[i].MatchScore)
	}
	for _, m := range out.Recommendations {
		require.NotContains(t, m.Reasons, "Has run this lane")
	}

	exact, err := newEngine(st).FindCarriers(ctx, LoadRequest{Lane: "Dallas → Houston", EquipmentType: "Dry Van", Miles: 240})
	require.NoError(t, err)
	require.False(t, exact.Fallback)
	require.Len(t, exact.Recommendations, MaxResults)

	none, err := newEngine(st).FindCarriers(ctx, LoadRequest{Lane: "Reno → Boise", EquipmentType: "Tanker", Miles: 430})
	require.NoError(t, err)
	require.Empty(t, none.Recommendations)
}
