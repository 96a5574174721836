package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HTTPHandler serves the plain-HTTP forward-proxy path. Every absolute-URI
// request is reviewed twice, once before it leaves the relay and once after
// the target responds, with the manager able to accept, modify, or reject
// at either stage.
type HTTPHandler struct {
	manager      *Manager
	transport    http.RoundTripper
	maxBodyBytes int64
	metrics      *Metrics
}

// NewHTTPHandler wires an HTTPHandler. transport is typically a
// (*Dialer).Transport() so forwarding dials share the relay's DNS cache.
func NewHTTPHandler(manager *Manager, transport http.RoundTripper, maxBodyBytes int64, metrics *Metrics) *HTTPHandler {
	return &HTTPHandler{
		manager:      manager,
		transport:    transport,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
	}
}

// ServeHTTP handles one proxied, non-CONNECT request end to end.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reqBody, err := readLimited(r.Body, h.maxBodyBytes)
	if err != nil {
		h.respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	reviewReq := &Frame{
		Type:    FrameReviewRequest,
		Kind:    ReviewKindHTTP,
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: map[string][]string(r.Header.Clone()),
		Body:    encodeBase64(reqBody),
	}

	decision, err := h.manager.SendReview(ctx, reviewReq)
	if err != nil {
		status := statusForReviewError(err)
		log.Warn().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Int("status", status).Msg("request review failed")
		h.respondError(w, status, err)
		return
	}
	if decision.Action == DecisionReject {
		h.respondRejected(w, decision.Reason)
		return
	}

	method, url, headers, body := r.Method, r.URL.String(), r.Header.Clone(), reqBody
	applyModifiedRequest(decision.Modified, &method, &url, &headers, &body)

	outReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		h.respondError(w, http.StatusBadGateway, fmt.Errorf("%w: building forwarded request: %v", ErrTargetFailure, err))
		return
	}
	outReq.Header = headers
	outReq.ContentLength = int64(len(body))

	client := &http.Client{
		Transport: h.transport,
		// The relay forwards exactly what the manager approved; following a
		// redirect would silently send a second, unreviewed request.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	resp, err := client.Do(outReq)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, fmt.Errorf("%w: %v", ErrTargetFailure, err))
		return
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, h.maxBodyBytes)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, fmt.Errorf("%w: target response too large: %v", ErrTargetFailure, err))
		return
	}

	reviewResp := &Frame{
		Type:    FrameResponseReview,
		ID:      reviewReq.ID,
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header.Clone()),
		Body:    encodeBase64(respBody),
	}

	respDecision, err := h.manager.SendReview(ctx, reviewResp)
	if err != nil {
		// A failed response review falls back to the target's original,
		// unmodified response rather than erroring out. The client already
		// caused an effect on the target; losing the reply on top of that
		// is worse than serving it unreviewed.
		log.Warn().Err(err).Str("url", r.URL.String()).Msg("response review failed, forwarding original response")
		h.writeResponse(w, resp.StatusCode, resp.Header, respBody)
		return
	}
	if respDecision.Action == DecisionReject {
		h.respondRejected(w, respDecision.Reason)
		return
	}

	status, respHeaders, finalBody := resp.StatusCode, resp.Header.Clone(), respBody
	applyModifiedResponse(respDecision.Modified, &status, &respHeaders, &finalBody)
	h.writeResponse(w, status, respHeaders, finalBody)
}

func (h *HTTPHandler) writeResponse(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	dst := w.Header()
	for k, v := range headers {
		dst[k] = v
	}
	dst.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
	if h.metrics != nil {
		h.metrics.RecordHTTPResponse(status)
	}
}

func (h *HTTPHandler) respondRejected(w http.ResponseWriter, reason string) {
	if reason == "" {
		reason = "rejected by manager"
	}
	http.Error(w, reason, http.StatusForbidden)
	if h.metrics != nil {
		h.metrics.RecordHTTPResponse(http.StatusForbidden)
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
	if h.metrics != nil {
		h.metrics.RecordHTTPResponse(status)
	}
}

// statusForReviewError maps a SendReview failure to the client-facing status:
// an absent manager is a 502 (nothing was ever attempted); a timeout or a
// disconnect mid-flight is a 504 (something was attempted and didn't finish
// in time).
func statusForReviewError(err error) int {
	switch {
	case errors.Is(err, ErrManagerNotConnected):
		return http.StatusBadGateway
	case errors.Is(err, ErrManagerTimeout), errors.Is(err, ErrManagerDisconnected):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// readLimited reads all of r, failing with ErrBodyTooLarge if more than max
// bytes are available. max <= 0 means unbounded.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// applyModifiedRequest applies the manager's overrides: headers are
// shallow-merged over the original, body replaces wholesale.
func applyModifiedRequest(m *Modified, method, url *string, headers *http.Header, body *[]byte) {
	if m == nil {
		return
	}
	if m.Method != nil {
		*method = *m.Method
	}
	if m.URL != nil {
		*url = *m.URL
	}
	mergeHeaders(*headers, m.Headers)
	if m.Body != nil {
		if decoded, err := decodeBase64(*m.Body); err == nil {
			*body = decoded
		} else {
			log.Warn().Err(err).Msg("manager supplied unparseable modified request body, keeping original")
		}
	}
}

func applyModifiedResponse(m *Modified, status *int, headers *http.Header, body *[]byte) {
	if m == nil {
		return
	}
	if m.Status != nil {
		*status = *m.Status
	}
	mergeHeaders(*headers, m.Headers)
	if m.Body != nil {
		if decoded, err := decodeBase64(*m.Body); err == nil {
			*body = decoded
		} else {
			log.Warn().Err(err).Msg("manager supplied unparseable modified response body, keeping original")
		}
	}
}

func mergeHeaders(dst http.Header, overrides map[string][]string) {
	for k, v := range overrides {
		dst[http.CanonicalHeaderKey(k)] = v
	}
}
