package domain

import (
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	cases := []struct {
		ts        int64
		timeframe time.Duration
		want      int64
	}{
		{3700, time.Hour, 3600},
		{3600, time.Hour, 3600},
		{3599, time.Hour, 0},
		{125, time.Minute, 120},
		{86400 + 100, 24 * time.Hour, 86400},
	}
	for _, c := range cases {
		got := BucketStart(time.Unix(c.ts, 0).UTC(), c.timeframe)
		if !got.Equal(time.Unix(c.want, 0).UTC()) {
			t.Errorf("BucketStart(%d, %v) = %v, want %d", c.ts, c.timeframe, got, c.want)
		}
	}
}

func TestBarApplyTracksExtremes(t *testing.T) {
	bar := NewBar(Tick{Timestamp: time.Unix(3700, 0), Price: 100}, time.Hour)
	if bar.Open != 100 || bar.High != 100 || bar.Low != 100 || bar.Close != 100 {
		t.Fatalf("fresh bar = %+v", bar)
	}

	bar.Apply(Tick{Price: 130})
	bar.Apply(Tick{Price: 90})
	bar.Apply(Tick{Price: 95})

	if bar.Open != 100 || bar.High != 130 || bar.Low != 90 || bar.Close != 95 {
		t.Fatalf("bar = %+v, want O100 H130 L90 C95", bar)
	}
}

func TestCoveredRangeContains(t *testing.T) {
	r := CoveredRange{From: 10, To: 20}
	for _, b := range []uint64{10, 15, 20} {
		if !r.Contains(b) {
			t.Errorf("Contains(%d) = false inside [10,20]", b)
		}
	}
	for _, b := range []uint64{9, 21, 0} {
		if r.Contains(b) {
			t.Errorf("Contains(%d) = true outside [10,20]", b)
		}
	}
}
