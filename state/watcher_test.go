package state

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a concurrency-safe log sink for watcher assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcherIgnoresOwnSaves(t *testing.T) {
	store, _ := newTestStore(t)
	buf := &syncBuffer{}
	w, err := Watch(store, slogger.NewWithWriter(buf, slogger.LevelDebug))
	require.NoError(t, err)
	defer w.Close()

	mustRegister(t, store, sampleWorkflow("wf-own", "1", foreman.WorkflowStatusRunning))
	require.NoError(t, store.Touch("wf-own"))

	time.Sleep(500 * time.Millisecond)
	require.NotContains(t, buf.String(), "changed outside")
}

func TestWatcherDetectsExternalWrite(t *testing.T) {
	store, path := newTestStore(t)
	mustRegister(t, store, sampleWorkflow("wf-ext", "2", foreman.WorkflowStatusRunning))

	buf := &syncBuffer{}
	w, err := Watch(store, slogger.NewWithWriter(buf, slogger.LevelDebug))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "changed outside")
	}, 5*time.Second, 50*time.Millisecond)

	// The in-memory registry is untouched by the external edit.
	got, err := store.Get("wf-ext")
	require.NoError(t, err)
	require.Equal(t, foreman.WorkflowStatusRunning, got.Status)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	w, err := Watch(store, nil)
	require.NoError(t, err)

	w.Close()
	w.Close()
}
