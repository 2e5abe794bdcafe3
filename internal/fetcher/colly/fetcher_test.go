package collyfetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const productURL = "https://shop.example.test/item/1"

func TestFetchReturnsBodyAndSendsHeaders(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	var seen http.Header
	transport.RegisterResponder("GET", productURL, func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		resp := httpmock.NewStringResponse(http.StatusOK, "<html><body>ok</body></html>")
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	f := New(Config{UserAgent: "restock-test", Timeout: time.Second, Transport: transport})
	resp, err := f.Fetch(context.Background(), Request{
		URL:     productURL,
		Headers: http.Header{"Accept-Language": {"ja,en;q=0.9"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "ok")
	require.Equal(t, "restock-test", seen.Get("User-Agent"))
	require.Equal(t, "ja,en;q=0.9", seen.Get("Accept-Language"))
	require.Equal(t, acceptEncoding, seen.Get("Accept-Encoding"))
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", productURL, httpmock.NewStringResponder(http.StatusOK, "<html></html>"))

	f := New(Config{Timeout: time.Second, Transport: transport})
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), Request{URL: productURL})
		require.NoError(t, err)
	}
	require.Equal(t, 2, transport.GetTotalCallCount())
}

func TestFetchStatusError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", productURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	f := New(Config{Timeout: time.Second, Transport: transport})
	resp, err := f.Fetch(context.Background(), Request{URL: productURL})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", productURL, httpmock.NewErrorResponder(errors.New("connection reset")))

	f := New(Config{Timeout: time.Second, Transport: transport})
	_, err := f.Fetch(context.Background(), Request{URL: productURL})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", productURL, httpmock.NewStringResponder(http.StatusOK, "ok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: time.Second, Transport: transport})
	_, err := f.Fetch(ctx, Request{URL: productURL})
	require.Error(t, err)
}

func TestDecodingTransport(t *testing.T) {
	t.Parallel()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte("gzipped page"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, err = bw.Write([]byte("brotli page"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	testCases := []struct {
		encoding string
		body     []byte
		want     string
	}{
		{"gzip", gz.Bytes(), "gzipped page"},
		{"br", br.Bytes(), "brotli page"},
		{"", []byte("plain page"), "plain page"},
	}
	for _, tc := range testCases {
		tc := tc
		base := roundTripFunc(func(*http.Request) (*http.Response, error) {
			h := http.Header{}
			if tc.encoding != "" {
				h.Set("Content-Encoding", tc.encoding)
			}
			return &http.Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(bytes.NewReader(tc.body))}, nil
		})
		dt := &decodingTransport{base: base}
		req, err := http.NewRequest(http.MethodGet, productURL, nil)
		require.NoError(t, err)
		resp, err := dt.RoundTrip(req)
		require.NoError(t, err)
		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, tc.want, string(got), tc.encoding)
		require.Empty(t, resp.Header.Get("Content-Encoding"))
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := Request{URL: productURL, Headers: http.Header{"Cache-Control": {"no-cache"}}}
	var result Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "no-cache", collyReq.Headers.Get("Cache-Control"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, productURL)},
	})
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	var statusErr *StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	require.Equal(t, http.StatusNotFound, result.StatusCode)

	hooks.onError(nil, errors.New("boom"))
	require.True(t, strings.Contains(fetchErr.Error(), "boom"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
