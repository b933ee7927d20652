package marker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartText = `Here is the revenue chart.
[SHERLOCK_CHART:v1]{"chart_id":"rev-1","chart_type":"line","title":"Revenue"}[/SHERLOCK_CHART]
That covers Q3.`

func TestFindAllSingleChart(t *testing.T) {
	matches := FindAll(chartText)

	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, KindChart, m.Kind)
	assert.True(t, m.Valid)
	assert.Equal(t, "rev-1", m.Data["chart_id"])
	assert.Equal(t, "line", m.Data["chart_type"])
}

func TestFindAllMultipleKindsInDocumentOrder(t *testing.T) {
	text := `[SHERLOCK_SCENE:v1]{"scene_id":"s1"}[/SHERLOCK_SCENE] middle ` +
		`[SHERLOCK_RESEARCH:v1]{"query":"solar output"}[/SHERLOCK_RESEARCH] and ` +
		`[SHERLOCK_COMPONENT_UPDATE:v1]{"component_id":"c1","content":"done"}[/SHERLOCK_COMPONENT_UPDATE]`

	matches := FindAll(text)

	require.Len(t, matches, 3)
	assert.Equal(t, KindScene, matches[0].Kind)
	assert.Equal(t, KindResearch, matches[1].Kind)
	assert.Equal(t, KindComponentUpdate, matches[2].Kind)
}

func TestFindAllNoMarkers(t *testing.T) {
	assert.Nil(t, FindAll("plain text, nothing embedded"))
	assert.Nil(t, FindAll(""))
}

func TestFindAllMalformedJSONKeepsSpan(t *testing.T) {
	text := `before [SHERLOCK_CHART:v1]{not json}[/SHERLOCK_CHART] after`

	matches := FindAll(text)

	require.Len(t, matches, 1)
	assert.False(t, matches[0].Valid)
	assert.Nil(t, matches[0].Data)
}

func TestFindAllMultilineBody(t *testing.T) {
	text := "[SHERLOCK_SCENE:v1]{\n  \"scene_id\": \"s1\",\n  \"components\": []\n}[/SHERLOCK_SCENE]"

	matches := FindAll(text)

	require.Len(t, matches, 1)
	assert.True(t, matches[0].Valid)
	assert.Equal(t, "s1", matches[0].Data["scene_id"])
}

func TestStripRemovesAllSpans(t *testing.T) {
	got := Strip(chartText)
	assert.Equal(t, "Here is the revenue chart.\n\nThat covers Q3.", got)
}

func TestStripMalformedSpanStillRemoved(t *testing.T) {
	text := `keep [SHERLOCK_RESEARCH:v1]{broken[/SHERLOCK_RESEARCH] this`
	assert.Equal(t, "keep  this", Strip(text))
}

// collectingHandler records payloads and signals each dispatch, since
// dispatch runs on a detached goroutine.
type collectingHandler struct {
	mu       sync.Mutex
	payloads []map[string]any
	done     chan struct{}
	err      error
}

func newCollectingHandler(capacity int) *collectingHandler {
	return &collectingHandler{done: make(chan struct{}, capacity)}
}

func (h *collectingHandler) HandleMarker(_ context.Context, payload map[string]any) error {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()
	h.done <- struct{}{}
	return h.err
}

func (h *collectingHandler) wait(t *testing.T, n int) []map[string]any {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d of %d", i+1, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.payloads...)
}

func TestCleanDispatchesAndStrips(t *testing.T) {
	handler := newCollectingHandler(1)
	e := New(zerolog.Nop(), map[Kind]Handler{KindChart: handler})

	got := e.Clean(context.Background(), Source{SessionID: "sess-1"}, chartText)

	assert.Equal(t, "Here is the revenue chart.\n\nThat covers Q3.", got)

	payloads := handler.wait(t, 1)
	require.Len(t, payloads, 1)
	assert.Equal(t, "sess-1", payloads[0]["session_id"])
	chartData, ok := payloads[0]["chart_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rev-1", chartData["chart_id"])
}

func TestCleanErrorResultPassesThrough(t *testing.T) {
	handler := newCollectingHandler(1)
	e := New(zerolog.Nop(), map[Kind]Handler{KindChart: handler})

	got := e.Clean(context.Background(), Source{SessionID: "s", ToolName: "bash", IsError: true}, chartText)

	assert.Equal(t, chartText, got)
	assert.Empty(t, handler.wait(t, 0))
}

func TestCleanReadToolPassesThrough(t *testing.T) {
	for _, tool := range []string{"Read", "read", "READ"} {
		e := New(zerolog.Nop(), nil)
		got := e.Clean(context.Background(), Source{SessionID: "s", ToolName: tool}, chartText)
		assert.Equal(t, chartText, got, "tool %q must pass through unscanned", tool)
	}
}

func TestCleanNilExtractorPassesThrough(t *testing.T) {
	var e *Extractor
	got := e.Clean(context.Background(), Source{SessionID: "s"}, chartText)
	assert.Equal(t, chartText, got)
}

func TestCleanInvalidBodyStrippedNotDispatched(t *testing.T) {
	handler := newCollectingHandler(1)
	e := New(zerolog.Nop(), map[Kind]Handler{KindChart: handler})

	text := `before [SHERLOCK_CHART:v1]{oops[/SHERLOCK_CHART] after`
	got := e.Clean(context.Background(), Source{SessionID: "s"}, text)

	assert.Equal(t, "before  after", got)
	assert.Empty(t, handler.wait(t, 0))
}

func TestCleanHandlerErrorDoesNotAffectOutput(t *testing.T) {
	handler := newCollectingHandler(1)
	handler.err = errors.New("downstream unavailable")
	e := New(zerolog.Nop(), map[Kind]Handler{KindChart: handler})

	got := e.Clean(context.Background(), Source{SessionID: "s"}, chartText)

	assert.Equal(t, "Here is the revenue chart.\n\nThat covers Q3.", got)
	handler.wait(t, 1)
}

func TestCleanHandlerPanicContained(t *testing.T) {
	done := make(chan struct{})
	panicking := HandlerFunc(func(context.Context, map[string]any) error {
		defer close(done)
		panic("handler exploded")
	})
	e := New(zerolog.Nop(), map[Kind]Handler{KindChart: panicking})

	got := e.Clean(context.Background(), Source{SessionID: "s"}, chartText)

	assert.NotContains(t, got, "SHERLOCK_CHART")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestCleanUnhandledKindStillStripped(t *testing.T) {
	e := New(zerolog.Nop(), map[Kind]Handler{})
	got := e.Clean(context.Background(), Source{SessionID: "s"}, chartText)
	assert.NotContains(t, got, "SHERLOCK_CHART")
}
