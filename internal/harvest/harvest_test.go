package harvest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		start   string
		end     string
		want    Range
		wantErr string
	}{
		{name: "valid", start: "1968000", end: "1969000", want: Range{Start: 1968000, End: 1969000}},
		{name: "negative start", start: "-5", end: "5", want: Range{Start: -5, End: 5}},
		{name: "start not integer", start: "abc", end: "10", wantErr: "start"},
		{name: "end not integer", start: "1", end: "1.5", wantErr: "end"},
		{name: "equal bounds", start: "7", end: "7", wantErr: "lower than"},
		{name: "inverted bounds", start: "9", end: "3", wantErr: "lower than"},
		{name: "widest accepted", start: "1", end: "9223372036854775807", want: Range{Start: 1, End: math.MaxInt64}},
		{name: "capacity overflows", start: "0", end: "9223372036854775807", wantErr: "too wide"},
		{name: "overflow across zero", start: "-9223372036854775808", end: "9223372036854775807", wantErr: "too wide"},
		{name: "negative to positive", start: "-10", end: "10", want: Range{Start: -10, End: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRange(tt.start, tt.end)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeHelpers(t *testing.T) {
	t.Parallel()

	r := Range{Start: 100, End: 104}
	assert.Equal(t, int64(5), r.Capacity())
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(104))
	assert.False(t, r.Contains(99))
	assert.False(t, r.Contains(105))
	assert.Equal(t, "used_ids_100_104", r.Key())
	assert.Equal(t, "[100, 104]", r.String())
}

func TestFuncAdapters(t *testing.T) {
	t.Parallel()

	var slept time.Duration
	SleeperFunc(func(d time.Duration) { slept += d }).Sleep(time.Second)
	assert.Equal(t, time.Second, slept)

	client := ClientFunc(func(_ context.Context, url string) (Response, error) {
		return Response{StatusCode: 204, Body: []byte(url)}, nil
	})
	resp, err := client.Get(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, Response{StatusCode: 204, Body: []byte("u")}, resp)
}
