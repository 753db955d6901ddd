package tz

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wall(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tz      string
		wantErr bool
	}{
		{name: "empty defaults to UTC", tz: ""},
		{name: "UTC", tz: "UTC"},
		{name: "canonical", tz: "America/New_York"},
		{name: "legacy link", tz: "US/Eastern"},
		{name: "whitespace trimmed", tz: "  Europe/Berlin "},
		{name: "invalid", tz: "Invalid/Timezone", wantErr: true},
	}

	r := &IANA{}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			z, err := r.Resolve(tt.tz)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownZone))
				var re *ResolutionError
				require.True(t, errors.As(err, &re))
				assert.Equal(t, "Invalid/Timezone", re.Name)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, z.Location())
		})
	}
}

func TestResolveCaches(t *testing.T) {
	t.Parallel()
	r := &IANA{}
	a, err := r.Resolve("Asia/Tokyo")
	require.NoError(t, err)
	b, err := r.Resolve("Asia/Tokyo")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Valid("Australia/Sydney"))
	assert.True(t, Valid(""))
	assert.False(t, Valid("Mars/Olympus_Mons"))
}

func TestWall(t *testing.T) {
	t.Parallel()
	z, err := Default.Resolve("US/Eastern")
	require.NoError(t, err)

	// 19:30Z on 2024-03-09 is 14:30 EST.
	got := z.Wall(time.Date(2024, 3, 9, 19, 30, 0, 0, time.UTC))
	assert.Equal(t, wall(2024, 3, 9, 14, 30), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestInstant(t *testing.T) {
	t.Parallel()
	eastern, err := Default.Resolve("America/New_York")
	require.NoError(t, err)
	berlin, err := Default.Resolve("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name string
		zone *Zone
		wall time.Time
		want time.Time
		res  Resolution
	}{
		{
			name: "standard time",
			zone: eastern,
			wall: wall(2024, 1, 15, 12, 0),
			want: time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC),
			res:  Exact,
		},
		{
			name: "daylight time",
			zone: eastern,
			wall: wall(2024, 7, 4, 15, 0),
			want: time.Date(2024, 7, 4, 19, 0, 0, 0, time.UTC),
			res:  Exact,
		},
		{
			name: "spring forward gap resolves to transition",
			zone: eastern,
			wall: wall(2024, 3, 10, 2, 30),
			want: time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC), // 03:00 EDT
			res:  Gap,
		},
		{
			name: "gap start",
			zone: eastern,
			wall: wall(2024, 3, 10, 2, 0),
			want: time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
			res:  Gap,
		},
		{
			name: "fall back overlap resolves to first occurrence",
			zone: eastern,
			wall: wall(2024, 11, 3, 1, 30),
			want: time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC), // 01:30 EDT
			res:  Overlap,
		},
		{
			name: "just after overlap",
			zone: eastern,
			wall: wall(2024, 11, 3, 2, 0),
			want: time.Date(2024, 11, 3, 7, 0, 0, 0, time.UTC),
			res:  Exact,
		},
		{
			name: "europe gap",
			zone: berlin,
			wall: wall(2024, 3, 31, 2, 15),
			want: time.Date(2024, 3, 31, 1, 0, 0, 0, time.UTC), // 03:00 CEST
			res:  Gap,
		},
		{
			name: "europe overlap",
			zone: berlin,
			wall: wall(2024, 10, 27, 2, 15),
			want: time.Date(2024, 10, 27, 0, 15, 0, 0, time.UTC), // 02:15 CEST
			res:  Overlap,
		},
		{
			name: "utc",
			zone: UTC,
			wall: wall(2024, 3, 10, 2, 30),
			want: time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC),
			res:  Exact,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, res := tt.zone.Instant(tt.wall)
			assert.Equal(t, tt.res, res, "resolution")
			assert.True(t, tt.want.Equal(got), "instant = %s, want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestInstantDeterministic(t *testing.T) {
	t.Parallel()
	z, err := Default.Resolve("America/Chicago")
	require.NoError(t, err)

	first, _ := z.Instant(wall(2023, 11, 5, 1, 45))
	for i := 0; i < 10; i++ {
		again, res := z.Instant(wall(2023, 11, 5, 1, 45))
		require.Equal(t, Overlap, res)
		require.True(t, first.Equal(again))
	}
}

func TestWallInstantRoundTrip(t *testing.T) {
	t.Parallel()
	z, err := Default.Resolve("Australia/Sydney")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 24*400; i += 7 {
		inst := start.Add(time.Duration(i) * time.Hour)
		back, res := z.Instant(z.Wall(inst))
		if res == Overlap {
			// The second pass through a repeated hour maps to the first.
			assert.False(t, back.After(inst))
			continue
		}
		assert.True(t, inst.Equal(back), "round trip %s -> %s", inst, back)
	}
}
