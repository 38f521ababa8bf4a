package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	st, err := Open(Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func testEvent(callID string, carrierID int64, lane string) *CallEvent {
	final := 1000.0
	return &CallEvent{
		CallID:        callID,
		CarrierID:     carrierID,
		CarrierName:   "Acme",
		Lane:          lane,
		Miles:         500,
		EquipmentType: "Dry Van",
		FinalRate:     &final,
		OutcomeSimple: OutcomeSuccessful,
		Sentiment:     SentimentPositive,
		CallDate:      time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC),
	}
}

func TestRebindPostgres(t *testing.T) {
	require.Equal(t, "SELECT $1, $2 FROM t WHERE a = $3", dialectPostgres.rebind("SELECT ?, ? FROM t WHERE a = ?"))
	require.Equal(t, "SELECT ?", dialectSQLite.rebind("SELECT ?"))
}

func TestQualify(t *testing.T) {
	require.Equal(t, "c.id, c.name", qualify("id,\n\tname", "c"))
}

func TestHealth(t *testing.T) {
	st, _ := openTestStore(t)
	require.NoError(t, st.Health(context.Background()))
}

func TestGetOrCreateCarrierIsIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	var first, second Carrier
	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		var created bool
		var err error
		first, created, err = tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		require.True(t, created)
		return err
	}))
	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		var created bool
		var err error
		second, created, err = tx.GetOrCreateCarrier(ctx, "ACME", "acme", nil)
		require.False(t, created)
		return err
	}))
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Acme", second.Name)
	require.Equal(t, CarrierStatusActive, second.Status)
	require.Zero(t, second.TotalCalls)
	require.Nil(t, second.AvgRatePerMile)
}

func TestConcurrentCarrierCreateYieldsOneRow(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.InTx(ctx, func(tx *Tx) error {
				c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
				ids[i] = c.ID
				return err
			})
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	all, err := st.ListCarriers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestInTxRollsBackOnError(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.InTx(ctx, func(tx *Tx) error {
		c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		require.NoError(t, err)
		_, err = tx.InsertEvent(ctx, testEvent("call-1", c.ID, "LA → PHX"))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	carriers, err := st.ListCarriers(ctx)
	require.NoError(t, err)
	require.Empty(t, carriers)
	exists, err := st.EventExists(ctx, "call-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInsertEventDuplicate(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	var carrierID int64
	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		if err != nil {
			return err
		}
		carrierID = c.ID
		_, err = tx.InsertEvent(ctx, testEvent("call-1", c.ID, "LA → PHX"))
		return err
	}))

	err := st.InTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertEvent(ctx, testEvent("call-1", carrierID, "LA → PHX"))
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestEventRoundTripAndOrdering(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		if err != nil {
			return err
		}
		for _, id := range []string{"a", "b", "c"} {
			if _, err := tx.InsertEvent(ctx, testEvent(id, c.ID, "LA → PHX")); err != nil {
				return err
			}
		}
		return nil
	}))
	clock.Advance(time.Minute)

	var seen []string
	for ev, err := range st.CarrierEvents(ctx, 1) {
		require.NoError(t, err)
		seen = append(seen, ev.CallID)
		require.Equal(t, 1000.0, *ev.FinalRate)
		require.Nil(t, ev.PostedRate)
		require.Equal(t, time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC), ev.CallDate)
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)

	recent, err := st.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].CallID)

	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	n := 0
	for _, err := range st.Events(ctx, EventFilter{From: &from}) {
		require.NoError(t, err)
		n++
	}
	require.Zero(t, n)
}

func TestUpsertAndPruneChildren(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		if err != nil {
			return err
		}
		for _, eq := range []string{"Dry Van", "Reefer"} {
			if err := tx.UpsertEquipment(ctx, CarrierEquipment{CarrierID: c.ID, EquipmentType: eq, CallCount: 1}); err != nil {
				return err
			}
		}
		if err := tx.UpsertEquipment(ctx, CarrierEquipment{CarrierID: c.ID, EquipmentType: "Dry Van", CallCount: 3, SuccessCount: 3, SuccessRate: 100}); err != nil {
			return err
		}
		n, err := tx.PruneEquipment(ctx, c.ID, []string{"Dry Van"})
		require.EqualValues(t, 1, n)
		return err
	}))

	eq, err := st.ListEquipment(ctx, 1)
	require.NoError(t, err)
	require.Len(t, eq, 1)
	require.Equal(t, 3, eq[0].CallCount)
	require.Equal(t, 100.0, eq[0].SuccessRate)
}

func TestGetCarrierNotFound(t *testing.T) {
	st, _ := openTestStore(t)
	_, err := st.GetCarrier(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestForUpdatePerDialect(t *testing.T) {
	require.Equal(t, " FOR UPDATE", dialectPostgres.forUpdate())
	require.Empty(t, dialectSQLite.forUpdate())
}

func TestLockCarrier(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
		c, _, err := tx.GetOrCreateCarrier(ctx, "Acme", "acme", nil)
		if err != nil {
			return err
		}
		locked, err := tx.LockCarrier(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, c.ID, locked.ID)

		_, err = tx.LockCarrier(ctx, c.ID+100)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestGetOrCreateCarrierRecordsMCNumber(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mc := func(s string) *string { return &s }

	create := func(name string, number *string) Carrier {
		var c Carrier
		require.NoError(t, st.InTx(ctx, func(tx *Tx) error {
			var err error
			c, _, err = tx.GetOrCreateCarrier(ctx, name, "acme", number)
			return err
		}))
		return c
	}

	c := create("Acme", nil)
	require.Nil(t, c.MCNumber)

	c = create("Acme", mc(""))
	require.Nil(t, c.MCNumber, "blank numbers are ignored")

	c = create("Acme", mc("MC-123"))
	require.NotNil(t, c.MCNumber)
	require.Equal(t, "MC-123", *c.MCNumber)

	c = create("Acme", mc("MC-999"))
	require.Equal(t, "MC-123", *c.MCNumber, "the first known number sticks")

	stored, err := st.GetCarrier(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "MC-123", *stored.MCNumber)
}
