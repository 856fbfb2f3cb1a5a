// Package iox provides I/O helpers for resource cleanup.
package iox

import "io"

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose discards any unread bytes from r, then closes it.
// Use on HTTP response bodies so the underlying connection can be
// reused:
//
//	defer iox.DrainClose(resp.Body)
//
// Draining is capped so a misbehaving server cannot pin the connection.
func DrainClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, drainLimit))
	_ = r.Close()
}

// drainLimit bounds how much trailing body DrainClose will consume.
const drainLimit = 1 << 20
