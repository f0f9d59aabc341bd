package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectorRoundTrip(t *testing.T) {
	p := NewProtector("host-a", "alice")

	tests := []struct {
		name string
		data []byte
	}{
		{"base key", bytes.Repeat([]byte{0xAB}, BaseKeySize)},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte("x"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := p.Protect(tt.data)
			require.NoError(t, err)
			assert.Len(t, blob, nonceSize+len(tt.data)+16)

			plain, err := p.Unprotect(blob)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(plain))
			assert.True(t, bytes.Equal(tt.data, plain))
		})
	}
}

func TestProtectorFreshNonce(t *testing.T) {
	p := NewProtector("host-a", "alice")
	data := []byte("same input")

	a, err := p.Protect(data)
	require.NoError(t, err)
	b, err := p.Protect(data)
	require.NoError(t, err)

	assert.NotEqual(t, a[:nonceSize], b[:nonceSize])
	assert.NotEqual(t, a, b)
}

func TestProtectorBoundToMachineAndUser(t *testing.T) {
	blob, err := NewProtector("host-a", "alice").Protect([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		machine string
		user    string
	}{
		{"other machine", "host-b", "alice"},
		{"other user", "host-a", "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProtector(tt.machine, tt.user).Unprotect(blob)
			assert.Error(t, err)
		})
	}
}

func TestProtectorRejectsTamperedBlob(t *testing.T) {
	p := NewProtector("host-a", "alice")
	blob, err := p.Protect([]byte("secret"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = p.Unprotect(blob)
	assert.Error(t, err)

	_, err = p.Unprotect(blob[:nonceSize])
	assert.ErrorIs(t, err, errCiphertextTooShort)
}

func TestSlowEquals(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"both empty", nil, []byte{}, true},
		{"last byte differs", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"prefix", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"longer first", []byte{1, 2, 3, 0}, []byte{1, 2, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlowEquals(tt.a, tt.b))
		})
	}
}
