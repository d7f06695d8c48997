package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/ashureev/deepsearch/internal/stream"
	"github.com/ashureev/deepsearch/internal/tools"
)

// scriptedModel replays one chunk list per step. Steps past the script
// repeat the last entry.
type scriptedModel struct {
	mu       sync.Mutex
	steps    [][]ModelChunk
	failAt   int
	failErr  error
	requests []ModelRequest
}

func (m *scriptedModel) Stream(_ context.Context, req ModelRequest) iter.Seq2[ModelChunk, error] {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()

	return func(yield func(ModelChunk, error) bool) {
		if m.failErr != nil && n == m.failAt {
			yield(ModelChunk{}, m.failErr)
			return
		}
		idx := n - 1
		if idx >= len(m.steps) {
			idx = len(m.steps) - 1
		}
		for _, c := range m.steps[idx] {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type recordingWriter struct {
	mu    sync.Mutex
	calls int
	owner string
	id    string
	title string
	saved []domain.Message
	err   error
}

func (w *recordingWriter) UpsertConversation(_ context.Context, owner, id, title string, msgs []domain.Message) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return false, w.err
	}
	w.owner, w.id, w.title = owner, id, title
	w.saved = domain.CloneMessages(msgs)
	return true, nil
}

type stubSearcher struct {
	results []tools.SearchResult
	err     error
	block   chan struct{}
}

func (s *stubSearcher) Search(ctx context.Context, _ string, _ int) ([]tools.SearchResult, error) {
	if s.block != nil {
		close(s.block)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.results, s.err
}

func newTestController(t *testing.T, model Model, searcher tools.Searcher, writer store.ConversationWriter, maxSteps int) *Controller {
	t.Helper()
	search, err := tools.NewSearchTool(searcher, 0)
	if err != nil {
		t.Fatalf("NewSearchTool failed: %v", err)
	}
	reg, err := tools.NewRegistry(search)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxSteps = maxSteps
	c, err := NewController(model, reg, writer, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func userTurn(text string) Turn {
	history := []domain.Message{{ID: "m-1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart(text)}}}
	return Turn{
		OwnerID:        "alice",
		ConversationID: "chat-1",
		Title:          domain.DeriveTitle(history),
		History:        history,
	}
}

type runOutcome struct {
	result Result
	err    error
	events []stream.Event
}

func runTurn(ctx context.Context, c *Controller, turn Turn) runOutcome {
	out := stream.New(16)
	done := make(chan runOutcome, 1)
	go func() {
		res, err := c.Run(ctx, turn, out)
		done <- runOutcome{result: res, err: err}
	}()
	var events []stream.Event
	for ev := range out.Events() {
		events = append(events, ev)
	}
	o := <-done
	o.events = events
	return o
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunWithoutToolCallsTakesOneStep(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{{{TextDelta: "Hello"}, {TextDelta: " there."}}}}
	writer := &recordingWriter{}
	c := newTestController(t, model, &stubSearcher{}, writer, 10)

	o := runTurn(context.Background(), c, userTurn("hi"))
	if o.err != nil {
		t.Fatalf("Run failed: %v", o.err)
	}
	if model.calls() != 1 || o.result.Steps != 1 {
		t.Fatalf("expected exactly one step, got %d model calls / %d steps", model.calls(), o.result.Steps)
	}
	if o.result.FinishReason != FinishStop {
		t.Fatalf("unexpected finish reason %q", o.result.FinishReason)
	}
	if o.result.Answer() != "Hello there." {
		t.Fatalf("unexpected answer %q", o.result.Answer())
	}
	want := []stream.EventType{stream.EventTextDelta, stream.EventTextDelta, stream.EventFinish}
	if got := eventTypes(o.events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if writer.calls != 1 || len(writer.saved) != 2 {
		t.Fatalf("expected one save of 2 messages, got %d saves / %d messages", writer.calls, len(writer.saved))
	}
}

func TestRunSearchScenario(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{
		{{ToolCall: &ToolCallRequest{ID: "call-1", Name: tools.SearchToolName, Args: map[string]any{"query": "2024 Super Bowl winner"}}}},
		{
			{TextDelta: "The Kansas City Chiefs won Super Bowl LVIII "},
			{TextDelta: "([NFL](https://www.nfl.com/super-bowl))."},
		},
	}}
	searcher := &stubSearcher{results: []tools.SearchResult{{
		Title: "Super Bowl LVIII", Link: "https://www.nfl.com/super-bowl", Snippet: "Chiefs beat 49ers 25-22 in overtime.",
	}}}
	writer := &recordingWriter{}
	c := newTestController(t, model, searcher, writer, 10)

	turn := userTurn("Who won the 2024 Super Bowl?")
	turn.NewConversation = true
	o := runTurn(context.Background(), c, turn)
	if o.err != nil {
		t.Fatalf("Run failed: %v", o.err)
	}

	want := []stream.EventType{
		stream.EventData,
		stream.EventToolCallRequested,
		stream.EventToolCallInFlight,
		stream.EventToolCallResolved,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventFinish,
	}
	if got := eventTypes(o.events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	control, ok := o.events[0].Data.(stream.NewChatCreated)
	if !ok || control.ChatID != "chat-1" || control.Type != stream.ControlNewChatCreated {
		t.Fatalf("unexpected control event: %+v", o.events[0])
	}

	requested := o.events[1].ToolCall
	if requested.Name != tools.SearchToolName || !strings.Contains(requested.Args["query"].(string), "2024 Super Bowl") {
		t.Fatalf("unexpected tool request: %+v", requested)
	}
	if requested.State != domain.ToolCallRequested {
		t.Fatalf("requested event carries state %q", requested.State)
	}

	resolved := o.events[3].ToolCall
	var results []tools.SearchResult
	if err := json.Unmarshal(resolved.Result, &results); err != nil || len(results) < 1 {
		t.Fatalf("resolved event result unreadable: %v / %s", err, resolved.Result)
	}

	answer := o.result.Answer()
	if !strings.Contains(answer, "](https://") {
		t.Fatalf("answer has no inline citation: %q", answer)
	}

	if len(writer.saved) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(writer.saved))
	}
	if writer.saved[0].Role != domain.RoleUser || writer.saved[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected persisted roles: %s, %s", writer.saved[0].Role, writer.saved[1].Role)
	}
	calls := writer.saved[1].ToolCalls()
	if len(calls) != 1 || calls[0].State != domain.ToolCallResolved {
		t.Fatalf("persisted assistant message lacks resolved call: %+v", calls)
	}
	if writer.id != "chat-1" || writer.owner != "alice" {
		t.Fatalf("persisted under %s/%s", writer.owner, writer.id)
	}

	// The second inference step must see the resolved tool result.
	second := model.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != domain.RoleAssistant || len(last.ToolCalls()) != 1 || last.ToolCalls()[0].Result == nil {
		t.Fatalf("second step did not receive the tool result: %+v", last)
	}
}

func TestRunStopsAtStepBudget(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{
		{{ToolCall: &ToolCallRequest{Name: tools.SearchToolName, Args: map[string]any{"query": "again"}}}},
	}}
	writer := &recordingWriter{}
	c := newTestController(t, model, &stubSearcher{results: []tools.SearchResult{{Link: "https://a"}}}, writer, 3)

	o := runTurn(context.Background(), c, userTurn("loop forever"))
	if o.err != nil {
		t.Fatalf("step budget must be a soft limit, got %v", o.err)
	}
	if model.calls() != 3 {
		t.Fatalf("expected 3 inference steps, got %d", model.calls())
	}
	if o.result.FinishReason != FinishStepBudget {
		t.Fatalf("unexpected finish reason %q", o.result.FinishReason)
	}
	last := o.events[len(o.events)-1]
	if last.Type != stream.EventFinish || last.FinishReason != string(FinishStepBudget) {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if writer.calls != 1 || len(writer.saved[1].ToolCalls()) != 3 {
		t.Fatalf("expected persisted turn with 3 tool calls, got %d saves", writer.calls)
	}
}

func TestRunToolFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{
		{
			{ToolCall: &ToolCallRequest{ID: "bad", Name: tools.SearchToolName, Args: map[string]any{"q": "typo"}}},
			{ToolCall: &ToolCallRequest{ID: "down", Name: tools.SearchToolName, Args: map[string]any{"query": "x"}}},
		},
		{{TextDelta: "I could not search right now."}},
	}}
	writer := &recordingWriter{}
	c := newTestController(t, model, &stubSearcher{err: errors.New("provider 503")}, writer, 10)

	o := runTurn(context.Background(), c, userTurn("question"))
	if o.err != nil {
		t.Fatalf("Run failed: %v", o.err)
	}

	var failed []*domain.ToolCall
	for _, ev := range o.events {
		if ev.Type == stream.EventToolCallFailed {
			failed = append(failed, ev.ToolCall)
		}
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed tool calls, got %d", len(failed))
	}
	if failed[0].ID != "bad" || !strings.Contains(failed[0].Error, "query") {
		t.Fatalf("validation failure not described: %+v", failed[0])
	}
	if failed[1].ID != "down" || failed[1].Error == "" {
		t.Fatalf("provider failure not described: %+v", failed[1])
	}
	if strings.Contains(failed[1].Error, "503") {
		t.Fatalf("provider internals leaked into event: %q", failed[1].Error)
	}
	if writer.calls != 1 {
		t.Fatalf("expected the turn to be persisted, got %d saves", writer.calls)
	}
}

func TestRunCancelledDuringToolCallPersistsNothing(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{
		{{ToolCall: &ToolCallRequest{Name: tools.SearchToolName, Args: map[string]any{"query": "slow"}}}},
	}}
	searcher := &stubSearcher{block: make(chan struct{})}
	writer := &recordingWriter{}
	c := newTestController(t, model, searcher, writer, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-searcher.block
		cancel()
	}()

	done := make(chan runOutcome, 1)
	go func() { done <- runTurn(ctx, c, userTurn("slow question")) }()

	var o runOutcome
	select {
	case o = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not finish promptly")
	}

	if !errors.Is(o.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", o.err)
	}
	if writer.calls != 0 {
		t.Fatalf("cancelled turn was persisted %d times", writer.calls)
	}
	last := o.events[len(o.events)-1]
	if last.Type != stream.EventError || last.Error != stream.CancelledMessage {
		t.Fatalf("unexpected terminal event %+v", last)
	}
}

func TestRunInferenceFailureIsFatalAndOpaque(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{
		steps:   [][]ModelChunk{{{TextDelta: "partial"}}},
		failAt:  1,
		failErr: errors.New("upstream 500: secret stack trace"),
	}
	writer := &recordingWriter{}
	c := newTestController(t, model, &stubSearcher{}, writer, 10)

	o := runTurn(context.Background(), c, userTurn("q"))
	if !errors.Is(o.err, ErrInferenceFailure) {
		t.Fatalf("expected ErrInferenceFailure, got %v", o.err)
	}
	if writer.calls != 0 {
		t.Fatal("failed turn must not be persisted")
	}
	last := o.events[len(o.events)-1]
	if last.Type != stream.EventError || last.Error != stream.ErrorMessage {
		t.Fatalf("unexpected terminal event %+v", last)
	}
}

func TestRunOwnershipConflictEndsWithError(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{{{TextDelta: "answer"}}}}
	writer := &recordingWriter{err: store.ErrOwnershipConflict}
	c := newTestController(t, model, &stubSearcher{}, writer, 10)

	o := runTurn(context.Background(), c, userTurn("q"))
	if !errors.Is(o.err, store.ErrOwnershipConflict) || !errors.Is(o.err, ErrPersistence) {
		t.Fatalf("expected wrapped ErrOwnershipConflict, got %v", o.err)
	}
	last := o.events[len(o.events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("expected error terminal event, got %+v", last)
	}
	for _, ev := range o.events {
		if ev.Type == stream.EventFinish {
			t.Fatal("finish emitted despite failed save")
		}
	}
}

func TestRunDoesNotMutateCallerHistory(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{{{TextDelta: "ok"}}}}
	c := newTestController(t, model, &stubSearcher{}, &recordingWriter{}, 10)

	turn := userTurn("q")
	runTurn(context.Background(), c, turn)
	if len(turn.History) != 1 || turn.History[0].Text() != "q" {
		t.Fatalf("caller history mutated: %+v", turn.History)
	}
}

func TestRunKeepsTextSharingAChunkWithAToolCall(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: [][]ModelChunk{
		{{
			TextDelta: "Let me look that up.",
			ToolCall:  &ToolCallRequest{ID: "call-1", Name: tools.SearchToolName, Args: map[string]any{"query": "go 1.24 release"}},
		}},
		{{TextDelta: " Done."}},
	}}
	searcher := &stubSearcher{results: []tools.SearchResult{{Title: "Go 1.24", Link: "https://go.dev/blog/go1.24"}}}
	writer := &recordingWriter{}
	c := newTestController(t, model, searcher, writer, 10)

	o := runTurn(context.Background(), c, userTurn("when was go 1.24 released?"))
	if o.err != nil {
		t.Fatalf("Run failed: %v", o.err)
	}

	want := []stream.EventType{
		stream.EventTextDelta,
		stream.EventToolCallRequested,
		stream.EventToolCallInFlight,
		stream.EventToolCallResolved,
		stream.EventTextDelta,
		stream.EventFinish,
	}
	if got := eventTypes(o.events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if o.events[0].TextDelta != "Let me look that up." {
		t.Fatalf("unexpected first delta %q", o.events[0].TextDelta)
	}
	if !strings.HasPrefix(o.result.Answer(), "Let me look that up.") {
		t.Fatalf("text sharing a chunk with a tool call was dropped: %q", o.result.Answer())
	}
	if calls := writer.saved[1].ToolCalls(); len(calls) != 1 {
		t.Fatalf("expected one persisted tool call, got %d", len(calls))
	}
}

func equalTypes(a, b []stream.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
