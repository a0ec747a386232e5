package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDataURL(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		_, _ = w.Write([]byte(`{"public_id":"presence/captures/S1-1","secure_url":"https://res.example/x.png"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "presence/captures")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadDataURL(context.Background(), "data:image/png;base64,AAAA", "S1-1", "verification", "success")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/x.png", res.SecureURL)

	assert.Equal(t, "data:image/png;base64,AAAA", form["file"])
	assert.Equal(t, "verification,success", form["tags"])
	want := sha1.Sum([]byte("folder=presence/captures&public_id=S1-1&tags=verification,success&timestamp=1700000000secret"))
	assert.Equal(t, fmt.Sprintf("%x", want), form["signature"])
}

func TestUploadDataURLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.UploadDataURL(context.Background(), "data:image/png;base64,AAAA", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestConfigured(t *testing.T) {
	assert.False(t, New("", "", "", "").Configured())
	assert.True(t, New("demo", "key", "secret", "").Configured())
	var nilClient *Client
	assert.False(t, nilClient.Configured())
}
