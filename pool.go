// pool.go: Pooled scratch buffers for chunk nonces and HKDF info strings
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"sync"
)

const scratchBufferSize = 32

// scratchPool holds fixed-size buffers for nonces and other short values
// derived once per attachment chunk.
var scratchPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, scratchBufferSize)
		return &buf // pointer avoids an allocation on Put (SA6002)
	},
}

// getBuffer returns a buffer of exactly size bytes. Sizes above
// scratchBufferSize are allocated and never pooled.
func getBuffer(size int) *[]byte {
	if size > scratchBufferSize {
		buf := make([]byte, size)
		return &buf
	}
	buf := scratchPool.Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// putBuffer zeroes the full capacity of buf and returns it to the pool.
func putBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	Zeroize((*buf)[:cap(*buf)])
	if cap(*buf) == scratchBufferSize {
		scratchPool.Put(buf)
	}
}

// infoPool holds growable buffers for HKDF info strings.
var infoPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

func getDynamicBuffer() []byte {
	buf := infoPool.Get().(*[]byte)
	return (*buf)[:0]
}

// putDynamicBuffer zeroes buf and pools it unless it grew past 4KB.
func putDynamicBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	Zeroize(buf[:cap(buf)])
	if cap(buf) <= 4096 {
		buf = buf[:0]
		infoPool.Put(&buf)
	}
}
