package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemAvailable(t *testing.T) {
	data := []byte("MemTotal:       16318800 kB\nMemFree:         1203400 kB\nMemAvailable:    9120420 kB\n")
	avail, ok := parseMemAvailable(data)
	require.True(t, ok)
	assert.Equal(t, uint64(9120420*1024), avail)

	_, ok = parseMemAvailable([]byte("MemTotal: 1 kB\n"))
	assert.False(t, ok)
}

func TestParseStatmRSS(t *testing.T) {
	pages, ok := parseStatmRSS([]byte("52431 3104 2011 203 0 4290 0\n"))
	require.True(t, ok)
	assert.Equal(t, uint64(3104), pages)

	_, ok = parseStatmRSS([]byte("52431"))
	assert.False(t, ok)
}

func TestSystemMemInfo(t *testing.T) {
	mi, err := SystemMemInfo()
	require.NoError(t, err)
	assert.Positive(t, mi.Total)
	assert.Positive(t, mi.Available)
}
