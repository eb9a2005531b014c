// internal/anymail/datetime_test.go

package anymail

import (
	"math"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
)

func TestAwareDatetime(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	aware := time.Date(2026, 3, 4, 10, 30, 0, 0, time.FixedZone("UTC+8", 8*3600))

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"aware passes through", aware, aware},
		{
			"naive localized",
			civil.DateTime{Date: civil.Date{Year: 2026, Month: 3, Day: 4}, Time: civil.Time{Hour: 10, Minute: 30}},
			time.Date(2026, 3, 4, 10, 30, 0, 0, loc),
		},
		{"date is local midnight", civil.Date{Year: 2026, Month: 3, Day: 4}, time.Date(2026, 3, 4, 0, 0, 0, 0, loc)},
		{"int timestamp", 1700000000, time.Unix(1700000000, 0).UTC()},
		{"int64 timestamp", int64(0), time.Unix(0, 0).UTC()},
		{"float timestamp", 1700000000.5, time.Unix(1700000000, 500000000).UTC()},
		{"string unchanged", "tomorrow 9am", "tomorrow 9am"},
		{"nil unchanged", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AwareDatetime(tt.value, loc)
			if want, ok := tt.want.(time.Time); ok {
				gotTime, ok := got.(time.Time)
				if assert.True(t, ok, "expected time.Time, got %T", got) {
					assert.True(t, want.Equal(gotTime), "want %v, got %v", want, gotTime)
					assert.Equal(t, want.Location().String(), gotTime.Location().String())
				}
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAwareDatetime_NonFiniteUnchanged(t *testing.T) {
	got := AwareDatetime(math.Inf(1), time.UTC)
	assert.Equal(t, math.Inf(1), got)
}

func TestAwareDatetime_DefaultsToLocal(t *testing.T) {
	naive := civil.DateTime{Date: civil.Date{Year: 2026, Month: 1, Day: 2}}
	got := AwareDatetime(naive, nil).(time.Time)
	assert.Equal(t, time.Local, got.Location())
}
