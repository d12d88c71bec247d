// Package ident generates the date-stamped random identifiers used for
// threads and tasks.
package ident

import (
	"crypto/rand"
	"fmt"
	"time"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Suffix returns a 6-character lowercase base36 random string.
func Suffix() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// time-derived suffix rather than panicking in library code.
		ns := time.Now().UnixNano()
		for i := range buf {
			buf[i] = alphabet[int(ns>>uint(i*5))%len(alphabet)]
		}
		return string(buf[:])
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf[:])
}

// New returns an identifier of the form prefix_YYYYMMDD_xxxxxx.
func New(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format("20060102"), Suffix())
}
