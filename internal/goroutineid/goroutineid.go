// Package goroutineid identifies the calling goroutine, which the dispatch
// and connection loops use to tell whether an operation may run inline.
package goroutineid

import (
	"runtime"
)

// Get parses the current goroutine's id from its stack header. It never
// returns zero for a live goroutine.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
