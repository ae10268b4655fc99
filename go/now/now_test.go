package now_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/covgate/go/now"
)

func TestNow_NoValueInContext_ReturnsWallClock(t *testing.T) {
	before := time.Now().UTC()
	got := now.Now(context.Background())
	after := time.Now().UTC()

	require.False(t, got.Before(before))
	require.False(t, got.After(after))
	require.Equal(t, time.UTC, got.Location())
}

func TestNow_FixedTimeInContext_ReturnsThatTime(t *testing.T) {
	want := time.Date(2024, time.March, 3, 8, 15, 0, 0, time.UTC)
	ctx := context.WithValue(context.Background(), now.ContextKey, want)
	require.Equal(t, want, now.Now(ctx))
}

func TestNow_Provider_CalledOnceLazilyPerNowCall(t *testing.T) {
	calls := 0
	ticks := []time.Time{
		time.Unix(100, 0).UTC(),
		time.Unix(200, 0).UTC(),
		time.Unix(300, 0).UTC(),
	}
	provider := now.NowProvider(func() time.Time {
		t := ticks[calls]
		calls++
		return t
	})
	ctx := context.WithValue(context.Background(), now.ContextKey, provider)

	require.Equal(t, ticks[0], now.Now(ctx))
	require.Equal(t, ticks[1], now.Now(ctx))
	require.Equal(t, ticks[2], now.Now(ctx))
	require.Equal(t, 3, calls)
}

func TestNow_ProviderContext_DoesNotLeakIntoSiblingContext(t *testing.T) {
	calls := 0
	provider := now.NowProvider(func() time.Time {
		calls++
		return time.Unix(int64(calls), 0).UTC()
	})
	withProvider := context.WithValue(context.Background(), now.ContextKey, provider)

	_ = now.Now(withProvider)
	require.Equal(t, 1, calls)

	plain := now.Now(context.Background())
	require.Equal(t, 1, calls, "an unrelated context must never invoke the sibling's provider")
	require.NotEqual(t, time.Unix(1, 0).UTC(), plain)
}

func TestNow_UnsupportedValueType_Panics(t *testing.T) {
	ctx := context.WithValue(context.Background(), now.ContextKey, 12345)
	require.PanicsWithValue(t, "now: ContextKey value must be time.Time or NowProvider", func() {
		now.Now(ctx)
	})
}

func TestTimeTravelingContext_ReportsConstructedTimeUntilSetTime(t *testing.T) {
	t0 := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2023, time.June, 15, 12, 30, 0, 0, time.UTC)

	ctx := now.TimeTravelingContext(t0)
	require.Equal(t, t0, now.Now(ctx))
	require.Equal(t, t0, now.Now(ctx), "repeated reads without SetTime must not advance")

	ctx.SetTime(t1)
	require.Equal(t, t1, now.Now(ctx))
}

func TestTimeTravelingContext_WithContext_PreservesParentValuesAndClock(t *testing.T) {
	type parentKey struct{}
	parent := context.WithValue(context.Background(), parentKey{}, "parent-value")

	base := now.TimeTravelingContext(time.Date(2022, time.May, 5, 0, 0, 0, 0, time.UTC))
	child := base.WithContext(parent)

	require.Equal(t, "parent-value", child.Value(parentKey{}))
	require.Equal(t, now.Now(base), now.Now(child))

	next := time.Date(2022, time.May, 6, 0, 0, 0, 0, time.UTC)
	child.SetTime(next)
	require.Equal(t, next, now.Now(child))
	require.NotEqual(t, next, now.Now(base), "SetTime on the child clone must not mutate the parent clock")
}
