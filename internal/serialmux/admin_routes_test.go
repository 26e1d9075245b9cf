package serialmux

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name           string
		method         string
		formData       url.Values
		expectedStatus int
		wantBody       string
	}{
		{"valid POST with command", http.MethodPost, url.Values{"command": {"c01"}}, http.StatusOK, "c01"},
		{"POST with empty command", http.MethodPost, url.Values{"command": {""}}, http.StatusBadRequest, "Missing command"},
		{"POST with whitespace-only command", http.MethodPost, url.Values{"command": {"   "}}, http.StatusBadRequest, "Missing command"},
		{"POST without command parameter", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"GET method not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.formData != nil {
				body = strings.NewReader(tt.formData.Encode())
			}

			req := localHostRequest(tt.method, "/debug/send-command-api", body)
			if tt.formData != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}

	assert.Equal(t, "c01\n", string(port.GetWrittenData()))
}

func TestAttachAdminRoutes_SendCommandAPI_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = io.ErrShortWrite
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	formData := url.Values{"command": {"c00"}}
	req := localHostRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAttachAdminRoutes_TailMethod(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/tail", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAttachAdminRoutes_TailStreamsTraffic(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	ping, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": ping\n", ping)

	// the subscription exists once the ping has been flushed
	require.NoError(t, mux.SendCommand("c02"))

	var got string
	for !strings.HasPrefix(got, "data: ") {
		got, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Equal(t, "data: tx c02\n", got)
}
