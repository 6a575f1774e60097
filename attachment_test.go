// attachment_test.go: Chunked attachment encryption tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunk = 16

// sealAttachment encrypts data and returns the stream and its key.
func sealAttachment(t *testing.T, alg AEADAlgorithm, chunkSize int, data []byte) ([]byte, *AttachmentKey) {
	t.Helper()
	var out bytes.Buffer
	aw, err := NewAttachmentWriter(&out, alg, chunkSize, rand.Reader)
	require.NoError(t, err)
	n, err := aw.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	key, err := aw.Close()
	require.NoError(t, err)
	return out.Bytes(), key
}

func openAttachment(stream []byte, key *AttachmentKey) ([]byte, error) {
	ar, err := NewAttachmentReader(bytes.NewReader(stream), key)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	return io.ReadAll(ar)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestAttachment_RoundTrip(t *testing.T) {
	for _, alg := range []AEADAlgorithm{AEADAES256GCM, AEADChaCha20Poly1305} {
		for _, size := range []int{0, 1, testChunk - 1, testChunk, testChunk + 1, 2 * testChunk, 100} {
			t.Run(fmt.Sprintf("alg=%d/size=%d", alg, size), func(t *testing.T) {
				data := randomBytes(t, size)
				stream, key := sealAttachment(t, alg, testChunk, data)

				assert.Equal(t, int64(len(stream)), key.Size)
				digest := sha256.Sum256(stream)
				assert.Equal(t, digest[:], key.Digest)
				assert.False(t, size > 8 && bytes.Contains(stream, data), "stream holds no plaintext")

				got, err := openAttachment(stream, key)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestAttachment_DefaultChunkSizeAndSmallWrites(t *testing.T) {
	data := randomBytes(t, 3*DefaultChunkSize+123)
	var out bytes.Buffer
	aw, err := NewAttachmentWriter(&out, AEADAES256GCM, 0, rand.Reader)
	require.NoError(t, err)
	for off := 0; off < len(data); off += 1000 {
		end := min(off+1000, len(data))
		_, err := aw.Write(data[off:end])
		require.NoError(t, err)
	}
	key, err := aw.Close()
	require.NoError(t, err)

	again, err := aw.Close()
	require.NoError(t, err)
	assert.Same(t, key, again, "close is idempotent")
	_, err = aw.Write([]byte("late"))
	assert.Error(t, err)

	// Reading through a one-byte buffer exercises partial chunk delivery.
	ar, err := NewAttachmentReader(bytes.NewReader(out.Bytes()), key)
	require.NoError(t, err)
	defer ar.Close()
	var got bytes.Buffer
	buf := make([]byte, 1)
	for {
		n, err := ar.Read(buf)
		got.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, bytes.Equal(data, got.Bytes()))
}

func TestAttachment_Truncation(t *testing.T) {
	data := randomBytes(t, 3*testChunk)
	stream, key := sealAttachment(t, AEADAES256GCM, testChunk, data)
	frame := 5 + testChunk + 16

	cuts := []struct {
		name string
		keep int
	}{
		{"final chunk dropped", attachmentHeaderSize + 2*frame},
		{"inside final chunk", len(stream) - 3},
		{"inside frame header", attachmentHeaderSize + 2},
		{"only header", attachmentHeaderSize},
	}
	for _, tt := range cuts {
		t.Run(tt.name, func(t *testing.T) {
			got, err := openAttachment(stream[:tt.keep], key)
			assert.ErrorIs(t, err, ErrAuthenticationFailure)
			assert.Less(t, len(got), len(data))
		})
	}

	_, err := openAttachment(stream[:attachmentHeaderSize-1], key)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAttachment_Tampering(t *testing.T) {
	data := randomBytes(t, 3*testChunk)
	stream, key := sealAttachment(t, AEADChaCha20Poly1305, testChunk, data)
	frame := 5 + testChunk + 16
	first := attachmentHeaderSize
	second := first + frame

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"chunk body", func(s []byte) []byte { s[first+5] ^= 0x01; return s }, ErrAuthenticationFailure},
		{"chunk tag", func(s []byte) []byte { s[second-1] ^= 0x01; return s }, ErrAuthenticationFailure},
		{"nonce prefix", func(s []byte) []byte { s[attachmentHeaderSize-1] ^= 0x01; return s }, ErrAuthenticationFailure},
		{"final flag set early", func(s []byte) []byte { s[first] = 1; return s }, ErrAuthenticationFailure},
		{"chunks reordered", func(s []byte) []byte {
			a := append([]byte(nil), s[first:second]...)
			copy(s[first:second], s[second:second+frame])
			copy(s[second:second+frame], a)
			return s
		}, ErrAuthenticationFailure},
		{"trailing data", func(s []byte) []byte { return append(s, 0x00) }, ErrAuthenticationFailure},
		{"magic", func(s []byte) []byte { s[0] = 'Y'; return s }, ErrMalformed},
		{"version", func(s []byte) []byte { s[4] = 9; return s }, ErrMalformed},
		{"chunk flag", func(s []byte) []byte { s[first] = 7; return s }, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), stream...))
			_, err := openAttachment(mutated, key)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAttachment_WrongKey(t *testing.T) {
	stream, _ := sealAttachment(t, AEADAES256GCM, testChunk, []byte("holiday photo"))
	other, err := GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = openAttachment(stream, &AttachmentKey{Key: other})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	_, err = NewAttachmentReader(bytes.NewReader(stream), &AttachmentKey{Key: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewAttachmentReader(bytes.NewReader(stream), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAttachment_ReaderClose(t *testing.T) {
	stream, key := sealAttachment(t, AEADAES256GCM, testChunk, []byte("data"))
	ar, err := NewAttachmentReader(bytes.NewReader(stream), key)
	require.NoError(t, err)

	key.Release()
	assert.Equal(t, make([]byte, KeySize), key.Key)

	buf := make([]byte, 2)
	n, err := ar.Read(buf)
	require.NoError(t, err, "the reader holds its own copy of the key")
	assert.Equal(t, "da", string(buf[:n]))

	require.NoError(t, ar.Close())
	require.NoError(t, ar.Close())
	_, err = ar.Read(buf)
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAttachmentWriter_Errors(t *testing.T) {
	_, err := NewAttachmentWriter(io.Discard, AEADAES256GCM, MaxChunkSize+1, rand.Reader)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewAttachmentWriter(io.Discard, AEADAES256GCM, -1, rand.Reader)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewAttachmentWriter(io.Discard, AEADAlgorithm(42), 0, rand.Reader)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewAttachmentWriter(io.Discard, AEADAES256GCM, 0, failingReader{})
	assert.ErrorIs(t, err, ErrKeyGeneration)
	_, err = NewAttachmentWriter(failingWriter{}, AEADAES256GCM, 0, rand.Reader)
	assert.Error(t, err)
}
