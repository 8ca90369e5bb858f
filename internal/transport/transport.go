// Package transport frames a bidirectional byte stream into text lines.
// It knows nothing about AGI: it reads LF or CRLF terminated lines,
// writes LF terminated lines in a single flush, and applies per-operation
// deadlines so that a silent peer cannot pin a goroutine forever.
package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ferr "fastagi/internal/errors"
)

// DefaultMaxLineLength bounds a single line (64 KiB).
const DefaultMaxLineLength = 64 * 1024

// Options tune a Conn.  The zero value is usable.
type Options struct {
	ReadTimeout   time.Duration // per ReadLine; 0 = no deadline
	WriteTimeout  time.Duration // per WriteLine; 0 = no deadline
	MaxLineLength int           // 0 = DefaultMaxLineLength
}

// Conn is a line-framed view of a net.Conn.  It is not safe for
// concurrent readers or concurrent writers; Close may be called from
// any goroutine at any time.
type Conn struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	opts   Options
	addr   string
	closed atomic.Bool
	once   sync.Once
}

// New wraps conn.  The returned Conn owns conn: closing it closes conn.
func New(conn net.Conn, opts Options) *Conn {
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Conn{
		conn: conn,
		r:    bufio.NewReader(conn),
		// Sized so that any accepted line leaves in one Write.
		w:    bufio.NewWriterSize(conn, opts.MaxLineLength+1),
		opts: opts,
		addr: addr,
	}
}

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string { return c.addr }

// ReadLine returns the next line without its terminator.
//
// A clean close between lines yields an error wrapping io.EOF; a close in
// the middle of a line yields io.ErrUnexpectedEOF.
func (c *Conn) ReadLine() (string, error) {
	if c.closed.Load() {
		return "", ferr.Transport("read", c.addr, ferr.ErrClosed)
	}
	if c.opts.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) //nolint:errcheck
	}

	var line []byte
	for {
		frag, err := c.r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > c.opts.MaxLineLength+2 { // +2 for CRLF
			return "", ferr.Transport("read", c.addr, ferr.ErrLineTooLong)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return "", ferr.Transport("read", c.addr, c.closedOr(err))
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > c.opts.MaxLineLength {
		return "", ferr.Transport("read", c.addr, ferr.ErrLineTooLong)
	}
	return string(line), nil
}

// WriteLine sends text followed by a single LF and flushes before
// returning.  Text that itself contains CR or LF is refused without
// writing anything.
func (c *Conn) WriteLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ferr.ErrInvalidLine
	}
	if len(text) > c.opts.MaxLineLength {
		return ferr.ErrLineTooLong
	}
	if c.closed.Load() {
		return ferr.Transport("write", c.addr, ferr.ErrClosed)
	}
	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)) //nolint:errcheck
	}

	c.w.WriteString(text) //nolint:errcheck // surfaced by Flush
	c.w.WriteByte('\n')   //nolint:errcheck
	if err := c.w.Flush(); err != nil {
		return ferr.Transport("write", c.addr, c.closedOr(err))
	}
	return nil
}

// Close closes both directions of the underlying connection.  Only the
// first call does anything; later calls return nil.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// closedOr maps I/O errors caused by our own Close to ErrClosed so
// callers see why the read failed rather than a platform message.
func (c *Conn) closedOr(err error) error {
	if c.closed.Load() {
		return ferr.ErrClosed
	}
	return err
}
