package invoicesync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-webhook-secret-key"

func testFrameBody() []byte {
	return []byte(`{"type":"invoices:updated","payload":{"invoiceNumber":"INV-1"}}`)
}

func TestVerifySignature(t *testing.T) {
	body := testFrameBody()

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifySignature(body, SignPayload(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignPayload(body, testSecret), "sha256=")
		assert.True(t, VerifySignature(body, sig, testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(body, SignPayload(body, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignPayload(body, testSecret)
		assert.False(t, VerifySignature([]byte(`{"type":"orders:x"}`), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifySignature(nil, "sha256=abc", testSecret))
		assert.False(t, VerifySignature(body, "", testSecret))
		assert.False(t, VerifySignature(body, SignPayload(body, testSecret), ""))
		assert.False(t, VerifySignature(body, "sha256=", testSecret))
	})
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame(testFrameBody())
	require.NoError(t, err)
	assert.Equal(t, "invoices:updated", f.Type)
	assert.JSONEq(t, `{"invoiceNumber":"INV-1"}`, string(f.Payload))

	_, err = ParseFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestNewInvalidationWebhook(t *testing.T) {
	_, err := NewInvalidationWebhook("", NewRouter(nil), nil)
	assert.Error(t, err)

	wh, err := NewInvalidationWebhook(testSecret, NewRouter(nil), nil)
	require.NoError(t, err)
	assert.NotNil(t, wh)
}

func TestInvalidationWebhookHTTP(t *testing.T) {
	router := NewRouter(nil)
	var topics []string
	router.Subscribe("invoices:", func(topic string, _ json.RawMessage) {
		topics = append(topics, topic)
	})
	wh, err := NewInvalidationWebhook(testSecret, router, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(wh)
	defer srv.Close()

	post := func(body []byte, sig string) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return resp, out
	}

	t.Run("dispatches signed frame", func(t *testing.T) {
		body := testFrameBody()
		resp, out := post(body, SignPayload(body, testSecret))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, out["ok"])
		assert.Equal(t, float64(1), out["matched"])
		assert.Equal(t, []string{"invoices:updated"}, topics)
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		resp, out := post(testFrameBody(), "sha256=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid signature", out["error"])
	})

	t.Run("rejects frame without type", func(t *testing.T) {
		body := []byte(`{"payload":{}}`)
		resp, _ := post(body, SignPayload(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	assert.Len(t, topics, 1)
}
