package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvchapchap/internal/errcode"
	"cvchapchap/internal/request"
)

func newWsServer(t *testing.T, statuses RequestStatuses, origins []string) string {
	t.Helper()
	h := NewWsHandler(nil, statuses, nil, origins)
	h.pollInterval = 10 * time.Millisecond
	r := gin.New()
	r.GET("/api/cv-pdf/:id/ws", h.HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWsHandler_StreamsUntilTerminal(t *testing.T) {
	payments := &fakePayments{
		req: pendingRequest(),
		statuses: []request.Status{
			request.StatusPendingPayment,
			request.StatusPendingPayment,
			request.StatusGeneratingPDF,
			request.StatusCompleted,
		},
	}
	base := newWsServer(t, payments, nil)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/cv-pdf/req-1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []request.Status
	for {
		var n request.Notification
		if err := conn.ReadJSON(&n); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		assert.Equal(t, "req-1", n.RequestID)
		got = append(got, n.Status)
	}
	assert.Equal(t, []request.Status{
		request.StatusPendingPayment,
		request.StatusGeneratingPDF,
		request.StatusCompleted,
	}, got)
}

func TestWsHandler_FailedRequestCarriesReason(t *testing.T) {
	failed := pendingRequest()
	failed.Status = request.StatusFailed
	failed.FailureReason = "payment service unavailable"
	base := newWsServer(t, &fakePayments{req: failed}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/cv-pdf/req-1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var n request.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, request.StatusFailed, n.Status)
	assert.Equal(t, errcode.SystemError, n.ErrorCode)
	assert.Equal(t, "payment service unavailable", n.ErrorMessage)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWsHandler_UnknownRequestAndOrigin(t *testing.T) {
	base := newWsServer(t, &fakePayments{err: request.ErrNotFound}, []string{"https://cvchapchap.co.tz"})
	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/cv-pdf/missing/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	base = newWsServer(t, &fakePayments{req: pendingRequest()}, []string{"https://cvchapchap.co.tz"})
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(base+"/api/cv-pdf/req-1/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
