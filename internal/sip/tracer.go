package sip

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	// TraceOff disables SIP message tracing.
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers, without the SDP body.
	TraceHeaders
	// TraceFull logs the complete raw message.
	TraceFull
)

// ParseTraceLevel converts a configuration string to a TraceLevel.
func ParseTraceLevel(s string) (TraceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return TraceOff, nil
	case "headers":
		return TraceHeaders, nil
	case "full":
		return TraceFull, nil
	default:
		return TraceOff, fmt.Errorf("unknown sip trace level %q", s)
	}
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer implements sip.SIPTracer and logs raw SIP traffic between
// us and the media servers.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a tracer logging at the given level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.level.Store(int32(level))
	return t
}

// SetLevel changes the tracing level at runtime.
func (t *MessageTracer) SetLevel(l TraceLevel) {
	t.level.Store(int32(l))
	t.logger.Info("sip trace level changed", "level", l.String())
}

// Level returns the current tracing level.
func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

// SIPTraceRead is called by sipgo for every message read from the network.
func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

// SIPTraceWrite is called by sipgo for every message written to the network.
func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	l := t.Level()
	if l == TraceOff {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, l),
	)
}

// formatMessage trims sipmsg to what level allows.
func formatMessage(sipmsg []byte, l TraceLevel) string {
	if l == TraceFull {
		return string(sipmsg)
	}
	if head, _, ok := bytes.Cut(sipmsg, []byte("\r\n\r\n")); ok {
		return string(head)
	}
	return string(sipmsg)
}
