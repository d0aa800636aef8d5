package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{"100", 10000, false},
		{"R20", 2000, false},
		{"12.5", 1250, false},
		{"12.50", 1250, false},
		{"0.05", 5, false},
		{" 8.75 ", 875, false},
		{"", 0, true},
		{"abc", 0, true},
		{"1.234", 0, true},
		{"-5", 0, true},
		{"5.", 0, true},
		{".5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "100", Money(10000).String())
	assert.Equal(t, "12.50", Money(1250).String())
	assert.Equal(t, "0.05", Money(5).String())
	assert.Equal(t, "100.00", Money(10000).Fixed())
	assert.Equal(t, "-1.20", Money(-120).Fixed())
}

func TestDistanceTotal(t *testing.T) {
	tests := []struct {
		name  string
		base  Money
		perKm Money
		km    string
		want  Money
	}{
		{"whole", 15000, 875, "20", 32500},
		{"rounds half up", 15000, 875, "12.3", 25763},
		{"rounds down", 0, 333, "1.1", 366},
		{"zero base", 0, 1000, "2.5", 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DistanceTotal(tt.base, tt.perKm, tt.km)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DistanceTotal(100, 100, "far")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = DistanceTotal(100, 100, "-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
