// attachment.go: Chunked authenticated encryption for attachments.
//
// Attachments (media, files) are too large for a single group message. They
// are encrypted as a stream under a random per-attachment key; the key and
// the ciphertext digest then travel inside an ordinary group message.
//
// Stream format:
//
//	[4 bytes: magic "XATT"] [1: version] [1: AEAD] [4: chunk size, BE] [7: nonce prefix]
//	then per chunk: [1: final flag] [4: sealed length, BE] [sealed chunk]
//
// The chunk nonce is prefix(7) || counter(4, BE) || final(1) and the header
// is the associated data of every chunk, so chunks cannot be reordered,
// dropped, truncated or moved to another stream.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"math"

	goerrors "github.com/agilira/go-errors"
)

// DefaultChunkSize is the plaintext size of every chunk but the last (64KB).
const DefaultChunkSize = 64 * 1024

// MaxChunkSize bounds the chunk size accepted from a stream header.
const MaxChunkSize = 4 * 1024 * 1024

const (
	attachmentMagic      = "XATT"
	attachmentVersion    = 1
	attachmentPrefixSize = 7
	attachmentHeaderSize = 4 + 1 + 1 + 4 + attachmentPrefixSize
	attachmentNonceSize  = 12
)

// Error codes for attachment streams
const (
	ErrCodeAttachmentClosed goerrors.ErrorCode = "XIPR_ATTACHMENT_CLOSED"
	ErrCodeAttachmentIO     goerrors.ErrorCode = "XIPR_ATTACHMENT_IO"
)

// AttachmentKey is what a sender shares so a recipient can fetch and open an
// attachment: the stream key and the SHA-256 of the encrypted stream.
type AttachmentKey struct {
	Key    []byte `json:"key"`
	Digest []byte `json:"digest"`
	Size   int64  `json:"size"`
}

// Release erases the stream key.
func (k *AttachmentKey) Release() {
	if k != nil {
		Zeroize(k.Key)
	}
}

// AttachmentWriter encrypts everything written to it into the underlying
// writer. Close must be called: it seals the final chunk and fills in the
// AttachmentKey digest.
type AttachmentWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	header    []byte
	buffer    []byte
	chunkSize int
	counter   uint32
	digest    hash.Hash
	key       *AttachmentKey
	closed    bool
}

// NewAttachmentWriter draws a fresh attachment key from rnd and writes the
// stream header to w. chunkSize 0 selects DefaultChunkSize.
//
// Example:
//
//	aw, err := xipr.NewAttachmentWriter(file, xipr.AEADAES256GCM, 0, rand.Reader)
//	if err != nil {
//		log.Fatal(err)
//	}
//	io.Copy(aw, photo)
//	key, err := aw.Close()
func NewAttachmentWriter(w io.Writer, alg AEADAlgorithm, chunkSize int, rnd io.Reader) (*AttachmentWriter, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "chunk size must be between 1 byte and 4MB")
	}
	key, err := GenerateKey(rnd)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(alg, key)
	if err != nil {
		Zeroize(key)
		return nil, err
	}
	prefix, err := readRandom(rnd, attachmentPrefixSize)
	if err != nil {
		Zeroize(key)
		return nil, err
	}

	header := make([]byte, 0, attachmentHeaderSize)
	header = append(header, attachmentMagic...)
	header = append(header, attachmentVersion, byte(alg))
	header = binary.BigEndian.AppendUint32(header, uint32(chunkSize)) // #nosec G115 -- bounded above
	header = append(header, prefix...)

	aw := &AttachmentWriter{
		w:         w,
		aead:      aead,
		header:    header,
		buffer:    make([]byte, 0, chunkSize),
		chunkSize: chunkSize,
		digest:    sha256.New(),
		key:       &AttachmentKey{Key: key},
	}
	if err := aw.emit(header); err != nil {
		Zeroize(key)
		return nil, err
	}
	return aw, nil
}

// Write buffers data and seals every full chunk that is known not to be the
// last one.
func (aw *AttachmentWriter) Write(data []byte) (int, error) {
	if aw.closed {
		return 0, goerrors.New(ErrCodeAttachmentClosed, "cannot write to closed attachment writer")
	}
	written := 0
	for len(data) > 0 {
		if len(aw.buffer) == aw.chunkSize {
			if err := aw.flush(false); err != nil {
				return written, err
			}
		}
		n := min(aw.chunkSize-len(aw.buffer), len(data))
		aw.buffer = append(aw.buffer, data[:n]...)
		data = data[n:]
		written += n
	}
	return written, nil
}

// Close seals the final chunk and returns the key needed to open the stream.
// Calling Close twice returns the same key.
func (aw *AttachmentWriter) Close() (*AttachmentKey, error) {
	if aw.closed {
		return aw.key, nil
	}
	if err := aw.flush(true); err != nil {
		return nil, err
	}
	aw.closed = true
	aw.key.Digest = aw.digest.Sum(nil)
	return aw.key, nil
}

func (aw *AttachmentWriter) flush(final bool) error {
	if aw.counter == math.MaxUint32 {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig, "attachment too large")
	}
	nonceBuf := getBuffer(attachmentNonceSize)
	defer putBuffer(nonceBuf)
	chunkNonce(*nonceBuf, aw.header, aw.counter, final)

	sealed := aw.aead.Seal(nil, *nonceBuf, aw.buffer, aw.header)
	Zeroize(aw.buffer)
	aw.buffer = aw.buffer[:0]
	aw.counter++

	var frame [5]byte
	if final {
		frame[0] = 1
	}
	binary.BigEndian.PutUint32(frame[1:], uint32(len(sealed))) // #nosec G115 -- at most MaxChunkSize plus tag
	if err := aw.emit(frame[:]); err != nil {
		return err
	}
	return aw.emit(sealed)
}

func (aw *AttachmentWriter) emit(b []byte) error {
	if _, err := aw.w.Write(b); err != nil {
		return goerrors.Wrap(err, ErrCodeAttachmentIO, "failed to write attachment stream")
	}
	aw.digest.Write(b)
	aw.key.Size += int64(len(b))
	return nil
}

// AttachmentReader decrypts a stream produced by AttachmentWriter.
//
// Each chunk is authenticated before any of its bytes are returned. Read
// returns io.EOF only after the final chunk verified and the stream ended
// there; a stream cut short yields ErrAuthenticationFailure.
type AttachmentReader struct {
	r         io.Reader
	key       []byte
	aead      cipher.AEAD
	header    []byte
	chunkSize int
	counter   uint32
	pending   []byte
	done      bool
	closed    bool
}

// NewAttachmentReader prepares to decrypt r with key.Key. The header is read
// lazily on the first Read. The key bytes are copied.
func NewAttachmentReader(r io.Reader, key *AttachmentKey) (*AttachmentReader, error) {
	if key == nil || ValidateKey(key.Key) != nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidKey, "attachment key must be 32 bytes")
	}
	return &AttachmentReader{r: r, key: append([]byte(nil), key.Key...)}, nil
}

// Read returns decrypted bytes.
func (ar *AttachmentReader) Read(p []byte) (int, error) {
	if ar.closed {
		return 0, goerrors.New(ErrCodeAttachmentClosed, "cannot read from closed attachment reader")
	}
	if ar.header == nil {
		if err := ar.readHeader(); err != nil {
			return 0, err
		}
	}
	for len(ar.pending) == 0 {
		if ar.done {
			return 0, ar.expectEOF()
		}
		if err := ar.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, ar.pending)
	ar.pending = ar.pending[n:]
	return n, nil
}

// Close erases the key and any buffered plaintext.
func (ar *AttachmentReader) Close() error {
	if !ar.closed {
		ar.closed = true
		Zeroize(ar.key)
		Zeroize(ar.pending)
		ar.pending = nil
	}
	return nil
}

func (ar *AttachmentReader) readHeader() error {
	header := make([]byte, attachmentHeaderSize)
	if _, err := io.ReadFull(ar.r, header); err != nil {
		return wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to read attachment header")
	}
	if string(header[:4]) != attachmentMagic || header[4] != attachmentVersion {
		return newError(ErrMalformed, ErrCodeMalformed, "not an attachment stream")
	}
	chunkSize := binary.BigEndian.Uint32(header[6:10])
	if chunkSize == 0 || chunkSize > MaxChunkSize {
		return newError(ErrMalformed, ErrCodeMalformed, "invalid chunk size in attachment header")
	}
	aead, err := newAEAD(AEADAlgorithm(header[5]), ar.key)
	if err != nil {
		return err
	}
	ar.aead = aead
	ar.chunkSize = int(chunkSize)
	ar.header = header
	return nil
}

func (ar *AttachmentReader) nextChunk() error {
	var frame [5]byte
	if _, err := io.ReadFull(ar.r, frame[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return newError(ErrAuthenticationFailure, ErrCodeAuthFailure, "attachment truncated")
		}
		return wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to read attachment chunk")
	}
	final := frame[0] == 1
	if frame[0] > 1 {
		return newError(ErrMalformed, ErrCodeMalformed, "invalid chunk flag")
	}
	size := binary.BigEndian.Uint32(frame[1:])
	if int(size) > ar.chunkSize+ar.aead.Overhead() {
		return newError(ErrMalformed, ErrCodeMalformed, "attachment chunk exceeds chunk size")
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(ar.r, sealed); err != nil {
		return newError(ErrAuthenticationFailure, ErrCodeAuthFailure, "attachment truncated")
	}

	nonceBuf := getBuffer(attachmentNonceSize)
	defer putBuffer(nonceBuf)
	chunkNonce(*nonceBuf, ar.header, ar.counter, final)
	plain, err := ar.aead.Open(nil, *nonceBuf, sealed, ar.header)
	if err != nil {
		return authFailure()
	}
	ar.counter++
	ar.pending = plain
	ar.done = final
	return nil
}

// expectEOF checks that nothing follows the final chunk.
func (ar *AttachmentReader) expectEOF() error {
	var b [1]byte
	if n, _ := ar.r.Read(b[:]); n > 0 {
		return newError(ErrAuthenticationFailure, ErrCodeAuthFailure, "data after final attachment chunk")
	}
	return io.EOF
}

// chunkNonce writes prefix || counter || final into dst.
func chunkNonce(dst, header []byte, counter uint32, final bool) {
	copy(dst, header[attachmentHeaderSize-attachmentPrefixSize:])
	binary.BigEndian.PutUint32(dst[attachmentPrefixSize:], counter)
	dst[attachmentNonceSize-1] = 0
	if final {
		dst[attachmentNonceSize-1] = 1
	}
}
