package upstream

import (
	"bufio"
	"context"
	"io"
	"net/http"
)

// HopByHopHeaders are stripped from every forwarded response.
var HopByHopHeaders = []string{"transfer-encoding", "content-encoding", "content-length"}

// CopyHeaders copies resp.Header into dst, skipping hop-by-hop headers.
func CopyHeaders(dst http.Header, src http.Header) {
	skip := make(map[string]bool, len(HopByHopHeaders))
	for _, h := range HopByHopHeaders {
		skip[h] = true
	}
	for k, vals := range src {
		if skip[lowerHeader(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func lowerHeader(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// StreamCopy drains resp.Body as SSE, writing one line at a time to w and
// flushing on blank lines (the SSE event boundary), using a
// bufio.Scanner that owns the underlying connection until ctx is done
// or the body is exhausted. Returns true if the stream ran to
// completion.
func StreamCopy(ctx context.Context, w io.Writer, flush func(), body io.Reader) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	completed := true
	for scanner.Scan() {
		if ctx.Err() != nil {
			completed = false
			break
		}
		line := scanner.Bytes()
		w.Write(line)
		w.Write([]byte("\n"))
		if len(line) == 0 && flush != nil {
			flush()
		}
	}
	if scanner.Err() != nil {
		completed = false
	}
	if flush != nil {
		flush()
	}
	return completed
}

// DrainAndClose reads the upstream body to completion and closes it, so
// the connection can be reused by the pool, before rotating to another
// account on an error path.
func DrainAndClose(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body
}
