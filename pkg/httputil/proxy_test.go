package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", "", "2001:db8::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "192.0.2.10/32", nets[1].String())
	assert.Equal(t, "2001:db8::1/128", nets[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/40"})
	assert.Error(t, err)
}

func TestTrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"untrusted peer ignores forwarded", "203.0.113.9:4000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "203.0.113.9"},
		{"untrusted peer ignores real ip", "203.0.113.9:4000", map[string]string{"X-Real-IP": "198.51.100.1"}, "203.0.113.9"},
		{"trusted peer single hop", "10.0.0.2:4000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "198.51.100.1"},
		{"spoofed leftmost hop skipped", "10.0.0.2:4000", map[string]string{"X-Forwarded-For": "1.2.3.4, 198.51.100.1, 10.0.0.7"}, "198.51.100.1"},
		{"all hops trusted", "10.0.0.2:4000", map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.7"}, "10.1.1.1"},
		{"malformed hop", "10.0.0.2:4000", map[string]string{"X-Forwarded-For": "garbage, 10.0.0.7"}, "10.0.0.7"},
		{"trusted peer real ip", "10.0.0.2:4000", map[string]string{"X-Real-IP": "198.51.100.3"}, "198.51.100.3"},
		{"trusted peer no headers", "10.0.0.2:4000", nil, "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedProxies(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))

			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrustedProxies_NoneConfigured(t *testing.T) {
	var got string
	h := TrustedProxies(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.2:4000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "10.0.0.2", got)
}
