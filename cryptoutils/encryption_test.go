package cryptoutils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEncryption(t *testing.T) {
	tests := []struct {
		input    string
		expected Encryption
		wantErr  bool
	}{
		{"aes", EncryptionAES, false},
		{"AES", EncryptionAES, false},
		{"spongent", EncryptionSpongent, false},
		{"des", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			enc, err := ParseEncryption(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownEncryption)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, enc)
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	for _, enc := range []Encryption{EncryptionAES, EncryptionSpongent} {
		t.Run(enc.String(), func(t *testing.T) {
			key, err := enc.GenerateKey()
			require.NoError(t, err)
			require.Len(t, key, enc.KeySize())

			ad := []byte{0x00, 0x00, 0x07, 0x00, 0x01, 0x00, 0x00}
			plaintext := []byte("0123456789abcdef0123456789")

			wrapped, err := enc.Wrap(key, ad, plaintext)
			require.NoError(t, err)
			require.Len(t, wrapped, len(plaintext)+enc.TagSize())
			require.NotEqual(t, plaintext, wrapped[:len(plaintext)])

			unwrapped, err := enc.Unwrap(key, ad, wrapped)
			require.NoError(t, err)
			require.Equal(t, plaintext, unwrapped)

			otherAD := append([]byte{}, ad...)
			otherAD[len(otherAD)-1] = 0x01
			_, err = enc.Unwrap(key, otherAD, wrapped)
			require.ErrorIs(t, err, ErrBadTag)

			tampered := append([]byte{}, wrapped...)
			tampered[0] ^= 0xff
			_, err = enc.Unwrap(key, ad, tampered)
			require.ErrorIs(t, err, ErrBadTag)

			_, err = enc.Wrap(key[:4], ad, plaintext)
			require.ErrorIs(t, err, ErrBadKeySize)
		})
	}
}

func TestWrapDiffersPerAD(t *testing.T) {
	key := make([]byte, 16)
	a, err := EncryptionSpongent.Wrap(key, []byte{0, 1}, []byte("same"))
	require.NoError(t, err)
	b, err := EncryptionSpongent.Wrap(key, []byte{0, 2}, []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestMAC(t *testing.T) {
	key := []byte("0123456789abcdef")
	for _, enc := range []Encryption{EncryptionAES, EncryptionSpongent} {
		tag, err := enc.MAC(key, []byte{0x00, 0x05, 0x00})
		require.NoError(t, err)
		require.Len(t, tag, enc.TagSize())

		require.NoError(t, enc.VerifyMAC(key, []byte{0x00, 0x05, 0x00}, tag))
		require.ErrorIs(t, enc.VerifyMAC(key, []byte{0x00, 0x06, 0x00}, tag), ErrBadTag)
	}

	_, err := EncryptionSpongent.MAC(nil, []byte{1})
	require.ErrorIs(t, err, ErrBadKeySize)
}

func TestKeyText(t *testing.T) {
	var v struct {
		Key        Key        `json:"key"`
		Encryption Encryption `json:"encryption"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"key":"00ff10","encryption":"spongent"}`), &v))
	require.Equal(t, Key{0x00, 0xff, 0x10}, v.Key)
	require.Equal(t, EncryptionSpongent, v.Encryption)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	require.JSONEq(t, `{"key":"00ff10","encryption":"spongent"}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"key":"zz"}`), &v))
	_, err = Encryption(9).MarshalText()
	require.ErrorIs(t, err, ErrUnknownEncryption)
}

func TestSessionReportData(t *testing.T) {
	a := SessionReportData([]byte("sig"), []byte("key"))
	b := SessionReportData([]byte("sig"), []byte("key2"))
	require.NotEqual(t, a, b)

	_, err := VerifyServiceQuote(a, []byte("not a quote"))
	require.Error(t, err)
}
