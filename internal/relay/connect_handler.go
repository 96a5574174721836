package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/relaycore/manager-relay/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// TargetDialer is the subset of *Dialer the CONNECT handler needs, so tests
// can substitute a fake without a real dnscache resolver.
type TargetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectHandler serves CONNECT tunnel requests. The mode is fixed per
// build/config and never mixed at request time: one connection is either
// direct-spliced or relayed through the manager, never both.
type ConnectHandler struct {
	manager  *Manager
	registry *ConnectionRegistry
	dialer   TargetDialer
	mode     config.ConnectMode
	metrics  *Metrics
}

// NewConnectHandler wires a ConnectHandler for the given mode.
func NewConnectHandler(manager *Manager, registry *ConnectionRegistry, dialer TargetDialer, mode config.ConnectMode, metrics *Metrics) *ConnectHandler {
	return &ConnectHandler{
		manager:  manager,
		registry: registry,
		dialer:   dialer,
		mode:     mode,
		metrics:  metrics,
	}
}

// ServeHTTP handles one CONNECT request. It hijacks the underlying
// connection itself, since a CONNECT tunnel is not expressible as a normal
// http.ResponseWriter round trip.
func (h *ConnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}

	reviewReq := &Frame{
		Type:    FrameReviewRequest,
		Kind:    ReviewKindConnect,
		Host:    host,
		Port:    port,
		Headers: map[string][]string(r.Header.Clone()),
	}

	decision, err := h.manager.SendReview(r.Context(), reviewReq)
	if err != nil {
		status := statusForConnectReviewError(err)
		log.Warn().Err(err).Str("host", host).Str("port", port).Int("status", status).Msg("connect review failed")
		http.Error(w, err.Error(), status)
		h.record(status)
		return
	}
	if decision.Action == DecisionReject {
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by manager"
		}
		http.Error(w, reason, http.StatusForbidden)
		h.record(http.StatusForbidden)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connect not supported", http.StatusInternalServerError)
		h.record(http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hj.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("failed to hijack client connection for CONNECT")
		h.record(http.StatusInternalServerError)
		return
	}

	switch h.mode {
	case config.ConnectModeRelayed:
		h.serveRelayed(clientConn, buf, host, port)
	default:
		h.serveDirect(r.Context(), clientConn, buf, host, port)
	}
}

// serveDirect dials the target itself and splices bytes bidirectionally
// once the client has its 200. The manager never sees tunnel bytes.
func (h *ConnectHandler) serveDirect(ctx context.Context, clientConn net.Conn, buf *bufio.ReadWriter, host, port string) {
	defer clientConn.Close()

	targetConn, err := h.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Warn().Err(err).Str("host", host).Str("port", port).Msg("direct-splice dial failed")
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		h.record(http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		return
	}
	h.record(http.StatusOK)

	if buf != nil && buf.Reader.Buffered() > 0 {
		head := make([]byte, buf.Reader.Buffered())
		if _, err := buf.Read(head); err == nil {
			if _, err := targetConn.Write(head); err != nil {
				return
			}
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(targetConn, clientConn)
		_ = closeWrite(targetConn)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(clientConn, targetConn)
		_ = closeWrite(clientConn)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Str("host", host).Str("port", port).Msg("direct-splice tunnel ended")
	}
}

// serveRelayed registers the client socket in the connection registry and
// pumps its bytes to/from the manager as data frames. The manager sees
// every byte of the tunnel.
func (h *ConnectHandler) serveRelayed(clientConn net.Conn, buf *bufio.ReadWriter, host, port string) {
	id, err := h.registry.Register(clientConn)
	if err != nil {
		log.Warn().Err(err).Msg("connection registry full, refusing relayed CONNECT")
		fmt.Fprintf(clientConn, "HTTP/1.1 503 Service Unavailable\r\n\r\n")
		clientConn.Close()
		h.record(http.StatusServiceUnavailable)
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		h.registry.Unregister(id)
		clientConn.Close()
		return
	}
	h.record(http.StatusOK)

	if buf != nil && buf.Reader.Buffered() > 0 {
		head := make([]byte, buf.Reader.Buffered())
		if _, err := buf.Read(head); err == nil {
			if err := h.manager.SendData(id, host, port, head); err != nil {
				log.Debug().Err(err).Str("id", id).Msg("failed forwarding CONNECT head bytes")
			}
		}
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := clientConn.Read(chunk)
		if n > 0 {
			if sendErr := h.manager.SendData(id, host, port, chunk[:n]); sendErr != nil {
				log.Debug().Err(sendErr).Str("id", id).Msg("manager gone, tearing down relayed tunnel")
				break
			}
		}
		if err != nil {
			break
		}
	}

	_ = h.manager.SendEnd(id)
	h.registry.Unregister(id)
	clientConn.Close()
}

func (h *ConnectHandler) record(status int) {
	if h.metrics != nil {
		h.metrics.RecordHTTPResponse(status)
	}
}

func statusForConnectReviewError(err error) int {
	switch {
	case errors.Is(err, ErrManagerNotConnected):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrManagerTimeout), errors.Is(err, ErrManagerDisconnected):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func closeWrite(c net.Conn) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}
