// Package relay implements the intercepting-proxy relay engine: the state
// machine that authenticates a single manager control channel, demultiplexes
// per-connection frames over it, runs the synchronous request/response
// review RPC for plain HTTP, and bridges CONNECT tunnels either directly to
// the target or through the manager.
package relay

import (
	"io"
)

// ByteStream is the minimal transport contract the relay needs from a
// client-side connection: read, write, close. net.Conn satisfies it.
type ByteStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// halfCloser is implemented by transports (e.g. *net.TCPConn) that can
// shut down the write side without fully closing the connection. Used when
// an "end" frame arrives for a connection: half-close the client socket and
// unregister it, rather than closing it outright.
type halfCloser interface {
	CloseWrite() error
}

// FrameType tags the kind of frame on the wire.
type FrameType string

const (
	FrameReviewRequest  FrameType = "review-request"
	FrameDecision       FrameType = "decision"
	FrameResponseReview FrameType = "response-review"
	FrameData           FrameType = "data"
	FrameEnd            FrameType = "end"
)

// ReviewKind distinguishes an HTTP review-request from a CONNECT one.
type ReviewKind string

const (
	ReviewKindHTTP    ReviewKind = "http"
	ReviewKindConnect ReviewKind = "connect"
)

// DecisionAction is the manager's verdict on a review-request.
type DecisionAction string

const (
	DecisionAccept DecisionAction = "accept"
	DecisionReject DecisionAction = "reject"
)

// Modified carries the manager's overrides for a request or response.
// Fields absent (nil) mean "unchanged". Headers are shallow-merged over
// the original; Body, when present, replaces the original wholesale.
type Modified struct {
	URL     *string             `json:"url,omitempty"`
	Method  *string             `json:"method,omitempty"`
	Status  *int                `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    *string             `json:"body,omitempty"` // base64
}

// Frame is the single self-delimited wire record exchanged over the
// manager control channel. Not every field is meaningful for every Type;
// each block below groups the fields that apply to one or more variants.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`

	// review-request (kind: http)
	Method string              `json:"method,omitempty"`
	URL    string              `json:"url,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body   string              `json:"body,omitempty"` // base64

	// review-request (kind: connect)
	Kind ReviewKind `json:"kind,omitempty"`
	Host string     `json:"host,omitempty"`
	Port string     `json:"port,omitempty"`

	// decision
	Action DecisionAction `json:"action,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Modified *Modified    `json:"modified,omitempty"`

	// response-review
	Status int `json:"status,omitempty"`

	// data
	Data string `json:"data,omitempty"` // base64
}
