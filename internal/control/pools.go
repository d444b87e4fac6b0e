package control

import "sync"

// readBufferPool reuses the initial line buffers of session scanners
var readBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func getReadBuffer() *[]byte {
	return readBufferPool.Get().(*[]byte)
}

func putReadBuffer(b *[]byte) {
	if b != nil {
		*b = (*b)[:0]
		readBufferPool.Put(b)
	}
}
