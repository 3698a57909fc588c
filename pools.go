package vsockmux

import (
	"bufio"
	"io"
	"sync"
)

var bufReaderPool sync.Pool

func getBufReader(r io.Reader) *bufio.Reader {
	if v := bufReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReader(r)
}

// putBufReader returns br to the pool. br must not be used afterwards.
func putBufReader(br *bufio.Reader) {
	br.Reset(nil)
	bufReaderPool.Put(br)
}
