package idempotency

import (
	"bytes"
	"net/http"
	"slices"
)

// captureWriter buffers everything a handler writes so the response can be stored
// before any byte reaches the real client.
type captureWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	return c.body.Write(p)
}

func (c *captureWriter) statusCode() int {
	if c.status <= 0 {
		return http.StatusOK
	}
	return c.status
}

// snapshot flattens the captured response into the stored form. Multi-valued
// headers keep their first value only.
func (c *captureWriter) snapshot() CachedResponse {
	headers := make(map[string]string, len(c.header))
	for key, values := range c.header {
		if len(values) == 0 {
			continue
		}
		headers[key] = values[0]
	}
	return CachedResponse{
		StatusCode: c.statusCode(),
		Body:       c.body.String(),
		Headers:    headers,
	}
}

func (c *captureWriter) flushTo(w http.ResponseWriter) {
	for key, values := range c.header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(c.statusCode())
	_, _ = w.Write(c.body.Bytes())
}

func writeReplay(w http.ResponseWriter, response CachedResponse) {
	keys := make([]string, 0, len(response.Headers))
	for key := range response.Headers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		w.Header().Set(key, response.Headers[key])
	}
	w.Header().Set(ResponseHeader, "true")

	status := response.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(response.Body))
}
