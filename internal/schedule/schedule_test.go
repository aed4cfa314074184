package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("zone %s unavailable: %v", name, err)
	}
	return loc
}

func TestNextFire(t *testing.T) {
	kolkata := mustZone(t, "Asia/Kolkata")
	at := TimeOfDay{Hour: 23}

	testCases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before target fires today",
			now:  time.Date(2026, 3, 10, 22, 59, 0, 0, kolkata),
			want: time.Date(2026, 3, 10, 23, 0, 0, 0, kolkata),
		},
		{
			name: "after target fires tomorrow",
			now:  time.Date(2026, 3, 10, 23, 1, 0, 0, kolkata),
			want: time.Date(2026, 3, 11, 23, 0, 0, 0, kolkata),
		},
		{
			name: "exactly at target fires tomorrow",
			now:  time.Date(2026, 3, 10, 23, 0, 0, 0, kolkata),
			want: time.Date(2026, 3, 11, 23, 0, 0, 0, kolkata),
		},
		{
			name: "month rollover",
			now:  time.Date(2026, 1, 31, 23, 30, 0, 0, kolkata),
			want: time.Date(2026, 2, 1, 23, 0, 0, 0, kolkata),
		},
		{
			name: "now expressed in UTC",
			now:  time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC), // 22:30 IST
			want: time.Date(2026, 3, 10, 23, 0, 0, 0, kolkata),
		},
		{
			name: "UTC date differs from zone date",
			now:  time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC), // 00:30 IST on the 11th
			want: time.Date(2026, 3, 11, 23, 0, 0, 0, kolkata),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextFire(tc.now, at, kolkata)
			assert.True(t, tc.want.Equal(got), "got %s, want %s", got, tc.want)
		})
	}
}

func TestNextFireAcrossDST(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	at := TimeOfDay{Hour: 23}

	// 2026-03-08 is the spring-forward day; the day is 23h long
	now := time.Date(2026, 3, 7, 23, 30, 0, 0, ny)
	got := NextFire(now, at, ny)

	assert.Equal(t, 23, got.In(ny).Hour())
	assert.Equal(t, 8, got.In(ny).Day())
	assert.Equal(t, 22*time.Hour+30*time.Minute, got.Sub(now))
}

func TestNextFireSkippedLocalTime(t *testing.T) {
	ny := mustZone(t, "America/New_York")

	// 02:30 does not exist on 2026-03-08
	now := time.Date(2026, 3, 8, 0, 0, 0, 0, ny)
	got := NextFire(now, TimeOfDay{Hour: 2, Minute: 30}, ny)

	assert.True(t, got.After(now))
	assert.Equal(t, 8, got.In(ny).Day())
}

func TestNextFireNilLocation(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	got := NextFire(now, TimeOfDay{Hour: 9}, nil)

	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), got)
}

func TestNextFireIsStrictlyFuture(t *testing.T) {
	kolkata := mustZone(t, "Asia/Kolkata")
	s := State{At: TimeOfDay{Hour: 23}, Location: kolkata}

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, kolkata)
	for i := 0; i < 48*4; i++ {
		fire := s.NextFire(now)
		require.True(t, fire.After(now))
		require.LessOrEqual(t, fire.Sub(now), 24*time.Hour)
		now = now.Add(15 * time.Minute)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	valid := map[string]TimeOfDay{
		"23:00": {23, 0},
		"00:00": {0, 0},
		"7:05":  {7, 5},
		" 9:30": {9, 30},
	}
	for in, want := range valid {
		got, err := ParseTimeOfDay(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "23", "24:00", "12:60", "12:5", "ab:cd", "-1:00", "123:00"} {
		_, err := ParseTimeOfDay(in)
		assert.ErrorIs(t, err, ErrInvalidTimeOfDay, in)
	}
}

func TestNewState(t *testing.T) {
	s, err := NewState("23:00", "Asia/Kolkata")
	require.NoError(t, err)
	assert.Equal(t, "23:00 Asia/Kolkata", s.String())

	_, err = NewState("23:00", "Mars/Olympus")
	assert.Error(t, err)

	_, err = NewState("25:00", "UTC")
	assert.ErrorIs(t, err, ErrInvalidTimeOfDay)
}

func TestUntil(t *testing.T) {
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, 3*time.Hour, Until(now, now.Add(3*time.Hour+200*time.Millisecond)))
	assert.Equal(t, time.Duration(0), Until(now, now.Add(-time.Minute)))
}
