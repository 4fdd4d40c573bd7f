// Package logging writes one line per host or client event in a key=value
// format that is easy to grep.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/asadovsky/jupiter/server/ot"
)

type Logger struct {
	logger *log.Logger
}

// New returns a logger that writes to stdout with the given component prefix.
func New(component string) *Logger {
	return NewWriter(os.Stdout, component)
}

func NewWriter(w io.Writer, component string) *Logger {
	return &Logger{logger: log.New(w, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lmicroseconds)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, "")
}

func (l *Logger) PeerJoin(doc, site string, peers int) {
	l.logger.Printf("PEER_JOIN: doc=%s site=%s peers=%d joined_at=%d",
		doc, site, peers, time.Now().UnixMilli())
}

func (l *Logger) PeerLeave(doc, site string, peers int) {
	l.logger.Printf("PEER_LEAVE: doc=%s site=%s peers=%d left_at=%d",
		doc, site, peers, time.Now().UnixMilli())
}

// Relay records an op received from source and forwarded to fanout sites.
func (l *Logger) Relay(doc, source string, ts ot.Timestamp, op ot.Op, fanout int) {
	l.logger.Printf("RELAY: doc=%s source=%s ts=%v op=%v fanout=%d relayed_at=%d",
		doc, source, ts, op, fanout, time.Now().UnixMilli())
}

func (l *Logger) Checksum(c ot.Checksum, result ot.Result) {
	l.logger.Printf("CHECKSUM: doc=%s site=%s ts=%v length=%d result=%v checked_at=%d",
		c.Doc, c.Site, c.Timestamp, c.Length, result, time.Now().UnixMilli())
}

func (l *Logger) Diverged(d ot.Divergence) {
	l.logger.Printf("DIVERGED: %v detected_at=%d", d, time.Now().UnixMilli())
}

// Reset records that a site's link was discarded and a snapshot sent.
func (l *Logger) Reset(doc, site, reason string) {
	l.logger.Printf("RESET: doc=%s site=%s reason=%s reset_at=%d",
		doc, site, reason, time.Now().UnixMilli())
}

func (l *Logger) Error(operation string, err error) {
	l.logger.Printf("ERROR: operation=%s error=%s occurred_at=%d",
		operation, err.Error(), time.Now().UnixMilli())
}

// Event records anything else.
func (l *Logger) Event(format string, v ...interface{}) {
	l.logger.Printf("EVENT: %s event_at=%d", fmt.Sprintf(format, v...), time.Now().UnixMilli())
}
