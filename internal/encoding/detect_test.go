package encoding_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/cobranca/internal/encoding"
)

func readAll(t *testing.T, input []byte) string {
	t.Helper()

	r, err := encoding.NewUTF8Reader(bytes.NewReader(input))
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)

	return string(got)
}

func TestNewUTF8Reader_UTF8Passthrough(t *testing.T) {
	input := "RETORNO;001-000001;001\nD;BLT0000000001;PAGO;1.033,33;10-04-2025 09:30;Liquidação\n"

	assert.Equal(t, input, readAll(t, []byte(input)))
}

func TestNewUTF8Reader_Latin1(t *testing.T) {
	// "Liquidação;Cobrança\n" in Windows-1252: ç = 0xE7, ã = 0xE3
	latin1 := []byte{
		'L', 'i', 'q', 'u', 'i', 'd', 'a', 0xE7, 0xE3, 'o', ';',
		'C', 'o', 'b', 'r', 'a', 'n', 0xE7, 'a', '\n',
	}

	assert.Equal(t, "Liquidação;Cobrança\n", readAll(t, latin1))
}

func TestNewUTF8Reader_UTF8BOM(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte("RETORNO;Cobrança\n")...)

	assert.Equal(t, "RETORNO;Cobrança\n", readAll(t, input))
}

func TestDetect(t *testing.T) {
	type testCase struct {
		name string
		head []byte
		want string
	}

	tests := []testCase{
		{name: "Ascii", head: []byte("REMESSA;001"), want: encoding.UTF8},
		{name: "BOM", head: []byte{0xEF, 0xBB, 0xBF, 'a'}, want: encoding.UTF8BOM},
		{name: "UTF16LE", head: []byte{0xFF, 0xFE, 'a', 0}, want: encoding.UTF16LE},
		{name: "UTF16BE", head: []byte{0xFE, 0xFF, 0, 'a'}, want: encoding.UTF16BE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encoding.Detect(tt.head))
		})
	}
}

func TestToWindows1252(t *testing.T) {
	got, err := encoding.ToWindows1252([]byte("Conceição"))
	require.NoError(t, err)
	assert.Equal(t, []byte{'C', 'o', 'n', 'c', 'e', 'i', 0xE7, 0xE3, 'o'}, got)

	got, err = encoding.ToWindows1252([]byte("a→b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a\x1ab"), got)
}
