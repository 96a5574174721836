package relay

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func readReviewFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	return f
}

func writeDecision(t *testing.T, conn *websocket.Conn, id string, action DecisionAction, reason string, modified *Modified) {
	t.Helper()
	b, err := encodeFrame(&Frame{Type: FrameDecision, ID: id, Action: action, Reason: reason, Modified: modified})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestHTTPHandlerAcceptUnchangedRoundTrip(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hi"))
	}))
	defer target.Close()

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()
	defer conn.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 10<<20, nil)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/a", nil)
	req.URL, _ = url.Parse(target.URL + "/a")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	reqReview := readReviewFrame(t, conn)
	require.Equal(t, FrameReviewRequest, reqReview.Type)
	require.Equal(t, http.MethodGet, reqReview.Method)
	writeDecision(t, conn, reqReview.ID, DecisionAccept, "", nil)

	respReview := readReviewFrame(t, conn)
	require.Equal(t, FrameResponseReview, respReview.Type)
	require.Equal(t, http.StatusOK, respReview.Status)
	writeDecision(t, conn, respReview.ID, DecisionAccept, "", nil)

	<-done
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hi", rec.Body.String())
}

func TestHTTPHandlerRejectsRequestWithoutDialingTarget(t *testing.T) {
	var dialed atomic.Bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()
	defer conn.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 10<<20, nil)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/a", nil)
	req.URL, _ = url.Parse(target.URL + "/a")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	reqReview := readReviewFrame(t, conn)
	writeDecision(t, conn, reqReview.ID, DecisionReject, "blocked", nil)

	<-done
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "blocked")
	require.False(t, dialed.Load(), "target must not be dialed after a reject")
}

func TestHTTPHandlerModifiedURLRedirectsToOtherTarget(t *testing.T) {
	original := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "original should not be hit", http.StatusTeapot)
	}))
	defer original.Close()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("other"))
	}))
	defer other.Close()

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()
	defer conn.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 10<<20, nil)

	req := httptest.NewRequest(http.MethodGet, original.URL+"/a", nil)
	req.URL, _ = url.Parse(original.URL + "/a")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	newURL := other.URL + "/b"
	reqReview := readReviewFrame(t, conn)
	writeDecision(t, conn, reqReview.ID, DecisionAccept, "", &Modified{URL: &newURL})

	respReview := readReviewFrame(t, conn)
	require.Equal(t, http.StatusOK, respReview.Status)
	writeDecision(t, conn, respReview.ID, DecisionAccept, "", nil)

	<-done
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "other", rec.Body.String())
}

func TestHTTPHandlerManagerTimeoutOnRequestReviewReturns504(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 30*time.Millisecond, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()
	defer conn.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 10<<20, nil)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/a", nil)
	req.URL, _ = url.Parse(target.URL + "/a")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHTTPHandlerFallsBackToOriginalResponseOnManagerDisconnect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("unreviewed-but-correct"))
	}))
	defer target.Close()

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, time.Second, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 10<<20, nil)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/a", nil)
	req.URL, _ = url.Parse(target.URL + "/a")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	reqReview := readReviewFrame(t, conn)
	writeDecision(t, conn, reqReview.ID, DecisionAccept, "", nil)

	_ = readReviewFrame(t, conn) // response-review arrives...
	conn.Close()                 // ...but the manager vanishes before replying.

	<-done
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "unreviewed-but-correct", rec.Body.String())
}

func TestHTTPHandlerBodyTooLargeReturns413(t *testing.T) {
	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, time.Second, 1, nil)
	conn, srv := dialTestManager(t, manager, "secret")
	defer srv.Close()
	defer conn.Close()

	handler := NewHTTPHandler(manager, http.DefaultTransport, 4, nil)

	req := httptest.NewRequest(http.MethodPost, "http://example.test/a", strings.NewReader("way too large a body"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
