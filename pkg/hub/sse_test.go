package hub

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAll(r *http.Request) (*session.Identity, error) {
	return &auditor, nil
}

func denyAll(r *http.Request) (*session.Identity, error) {
	return nil, session.ErrUnauthenticated
}

type frame struct {
	event string
	data  []string
}

func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = append(f.data, strings.TrimPrefix(line, "data: "))
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamRejectsUnauthenticated(t *testing.T) {
	h := New()
	srv := httptest.NewServer(EventStreamHandler(h, session.GateFunc(denyAll)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.Len())
}

func TestEventStreamDeliversBlocks(t *testing.T) {
	h := New()
	srv := httptest.NewServer(EventStreamHandler(h, session.GateFunc(allowAll), WithHeartbeat(0)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	body := bufio.NewReader(resp.Body)
	ack := readFrame(t, body)
	assert.Equal(t, ConnectedEvent, ack.event)
	assert.Equal(t, []string{ConnectedData}, ack.data)
	waitFor(t, func() bool { return h.Len() == 1 })

	h.Publish("new-block", map[string]interface{}{"index": 0})
	h.Publish("new-block", map[string]interface{}{"index": 1})
	first := readFrame(t, body)
	second := readFrame(t, body)
	assert.Equal(t, "new-block", first.event)
	assert.JSONEq(t, `{"index":0}`, first.data[0])
	assert.JSONEq(t, `{"index":1}`, second.data[0])

	cancel()
	waitFor(t, func() bool { return h.Len() == 0 })
}

func TestEventStreamHeartbeat(t *testing.T) {
	h := New()
	srv := httptest.NewServer(EventStreamHandler(h, session.GateFunc(allowAll), WithHeartbeat(20*time.Millisecond)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := bufio.NewReader(resp.Body)
	readFrame(t, body)
	for {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keep-alive") {
			break
		}
	}
}

func TestEventStreamEndsWhenHubCloses(t *testing.T) {
	h := New()
	srv := httptest.NewServer(EventStreamHandler(h, session.GateFunc(allowAll), WithHeartbeat(0)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := bufio.NewReader(resp.Body)
	readFrame(t, body)

	h.Close()
	_, err = body.ReadString('\n')
	assert.Error(t, err, "stream should end once the subscriber is dropped")
}

// brokenWriter accepts the connected frame and fails every later write,
// like a client that went away mid-stream.
type brokenWriter struct {
	mu     sync.Mutex
	header http.Header
	writes int
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) WriteHeader(int) {}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("connection reset by peer")
	}
	return len(p), nil
}

func (w *brokenWriter) Flush() {}

func TestEventStreamWriteFailureDropsOnlyThatSubscriber(t *testing.T) {
	h := New()
	healthy, err := h.Subscribe(auditor)
	require.NoError(t, err)
	assert.Equal(t, ConnectedEvent, receive(t, healthy).Name)

	handler := EventStreamHandler(h, session.GateFunc(allowAll), WithHeartbeat(0))
	w := &brokenWriter{header: http.Header{}}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	}()
	waitFor(t, func() bool { return h.Len() == 2 })

	h.mu.Lock()
	var broken *Subscriber
	for _, sub := range h.subscribers {
		if sub != healthy {
			broken = sub
		}
	}
	h.mu.Unlock()
	require.NotNil(t, broken)

	h.Publish("new-block", map[string]interface{}{"index": 0})

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler kept running after a failed write")
	}
	select {
	case <-broken.Done():
	default:
		t.Fatal("dropped subscriber was not closed")
	}
	assert.Equal(t, 1, h.Len())

	assert.Equal(t, "new-block", receive(t, healthy).Name)
	h.Publish("new-block", map[string]interface{}{"index": 1})
	next := receive(t, healthy)
	assert.JSONEq(t, `{"index":1}`, string(next.Data))
	select {
	case <-healthy.Done():
		t.Fatal("healthy subscriber was dropped")
	default:
	}
}
