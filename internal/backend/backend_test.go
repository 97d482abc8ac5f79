package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/gateway/internal/capability"
)

func TestCall_GETEncodesParamsAsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "GET", Endpoint: srv.URL, OutputType: capability.OutputJSON}
	resp, status, err := c.Call(context.Background(), testCap, map[string]any{"url": "https://example.com"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://example.com", gotQuery)
	assert.Equal(t, "json", resp.ContentType)
}

func TestCall_POSTSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "POST", Endpoint: srv.URL, OutputType: capability.OutputJSON}
	_, _, err := c.Call(context.Background(), testCap, map[string]any{"text": "hello"})

	require.NoError(t, err)
	assert.Equal(t, "hello", gotBody["text"])
}

func TestCall_AttachesBypassHeaderForNativeOnly(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(BypassHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("secret-123")
	native := &capability.Capability{Method: "GET", Endpoint: srv.URL, Tier: capability.TierNative, OutputType: capability.OutputText}
	_, _, err := c.Call(context.Background(), native, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret-123", gotHeader)

	discovered := &capability.Capability{Method: "GET", Endpoint: srv.URL, Tier: capability.TierDiscovered, OutputType: capability.OutputText}
	_, _, err = c.Call(context.Background(), discovered, nil)
	require.NoError(t, err)
	assert.Equal(t, "", gotHeader)
}

func TestCall_BackendPaymentRequiredMapsTo402Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "GET", Endpoint: srv.URL, OutputType: capability.OutputJSON}
	_, status, err := c.Call(context.Background(), testCap, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Error(t, err)
}

func TestCall_BackendServerErrorReturnsStatusAndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "GET", Endpoint: srv.URL, OutputType: capability.OutputJSON}
	_, status, err := c.Call(context.Background(), testCap, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Error(t, err)
}

func TestClassify_ImageIsBase64Encoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "GET", Endpoint: srv.URL, OutputType: capability.OutputImage}
	resp, _, err := c.Call(context.Background(), testCap, nil)
	require.NoError(t, err)
	assert.Equal(t, "image", resp.ContentType)
	assert.NotEmpty(t, resp.Base64Data)
	assert.Equal(t, "image/png", resp.MimeType)
	assert.Equal(t, len("fake-png-bytes"), resp.SizeBytes)
}

func TestClassify_TextFallsThroughAsPlainString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text result"))
	}))
	defer srv.Close()

	c := New("")
	testCap := &capability.Capability{Method: "GET", Endpoint: srv.URL, OutputType: capability.OutputText}
	resp, _, err := c.Call(context.Background(), testCap, nil)
	require.NoError(t, err)
	assert.Equal(t, "text", resp.ContentType)
	assert.Equal(t, "plain text result", resp.Text)
}
