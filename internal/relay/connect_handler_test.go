package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaycore/manager-relay/internal/config"
	"github.com/stretchr/testify/require"
)

type fixedAddrDialer struct {
	addr string
}

func (d *fixedAddrDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return net.Dial("tcp", d.addr)
}

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func readConnectStatusLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	for {
		blank, err := r.ReadString('\n')
		require.NoError(t, err)
		if blank == "\r\n" {
			break
		}
	}
	return line
}

func TestConnectHandlerDirectSpliceRoundTrip(t *testing.T) {
	echoAddr := startEchoListener(t)

	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	mgrConn, mgrSrv := dialTestManager(t, manager, "secret")
	defer mgrSrv.Close()
	defer mgrConn.Close()

	handler := NewConnectHandler(manager, registry, &fixedAddrDialer{addr: echoAddr}, config.ConnectModeDirect, nil)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	defer srv.Close()

	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	fmt.Fprintf(raw, "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")

	reqReview := readReviewFrame(t, mgrConn)
	require.Equal(t, ReviewKindConnect, reqReview.Kind)
	require.Equal(t, "example.test", reqReview.Host)
	require.Equal(t, "443", reqReview.Port)
	writeDecision(t, mgrConn, reqReview.ID, DecisionAccept, "", nil)

	r := bufio.NewReader(raw)
	status := readConnectStatusLine(t, r)
	require.Contains(t, status, "200")

	_, err = raw.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestConnectHandlerDirectSpliceRejected(t *testing.T) {
	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	mgrConn, mgrSrv := dialTestManager(t, manager, "secret")
	defer mgrSrv.Close()
	defer mgrConn.Close()

	handler := NewConnectHandler(manager, registry, &fixedAddrDialer{addr: "127.0.0.1:1"}, config.ConnectModeDirect, nil)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	defer srv.Close()

	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	fmt.Fprintf(raw, "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")

	reqReview := readReviewFrame(t, mgrConn)
	writeDecision(t, mgrConn, reqReview.ID, DecisionReject, "blocked host", nil)

	r := bufio.NewReader(raw)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403")
}

func TestConnectHandlerRelayedModeDataRoundTrip(t *testing.T) {
	pending := NewPendingTable()
	registry := NewConnectionRegistry(0)
	manager := NewManager(pending, registry, 2*time.Second, 1, nil)
	mgrConn, mgrSrv := dialTestManager(t, manager, "secret")
	defer mgrSrv.Close()
	defer mgrConn.Close()

	handler := NewConnectHandler(manager, registry, nil, config.ConnectModeRelayed, nil)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	defer srv.Close()

	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	fmt.Fprintf(raw, "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")

	reqReview := readReviewFrame(t, mgrConn)
	require.Equal(t, ReviewKindConnect, reqReview.Kind)
	writeDecision(t, mgrConn, reqReview.ID, DecisionAccept, "", nil)

	r := bufio.NewReader(raw)
	status := readConnectStatusLine(t, r)
	require.Contains(t, status, "200")

	_, err = raw.Write([]byte("ABC"))
	require.NoError(t, err)

	dataFrame := readReviewFrame(t, mgrConn)
	require.Equal(t, FrameData, dataFrame.Type)
	payload, err := decodeBase64(dataFrame.Data)
	require.NoError(t, err)
	require.Equal(t, "ABC", string(payload))

	reply, err := encodeFrame(&Frame{Type: FrameData, ID: dataFrame.ID, Data: encodeBase64([]byte("XYZ"))})
	require.NoError(t, err)
	require.NoError(t, mgrConn.WriteMessage(websocket.TextMessage, reply))

	buf := make([]byte, 3)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "XYZ", string(buf))

	raw.Close()

	endFrame := readReviewFrame(t, mgrConn)
	require.Equal(t, FrameEnd, endFrame.Type)
	require.Equal(t, dataFrame.ID, endFrame.ID)
}
