package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/rag"
)

// fakeGenerator answers with text or fails with err, optionally after delay.
type fakeGenerator struct {
	name  string
	text  string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) Generate(ctx context.Context, _ Request) (Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Response{}, f.err
	}
	return Response{Text: f.text}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testBreakerCfg = breaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second, HalfOpenMaxCalls: 1}

func newTestManager(t *testing.T, timeout time.Duration, gens ...Generator) *Manager {
	t.Helper()
	records, err := NewRecords(gens, testBreakerCfg)
	require.NoError(t, err)
	m, err := NewManager(records, ManagerConfig{Timeout: timeout})
	require.NoError(t, err)
	return m
}

func TestManager_UsesFirstHealthyProvider(t *testing.T) {
	t.Parallel()
	a := &fakeGenerator{name: "A", text: "from A"}
	b := &fakeGenerator{name: "B", text: "from B"}
	m := newTestManager(t, time.Second, a, b)

	resp, used, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "A", used)
	assert.Equal(t, "from A", resp.Text)
	assert.Equal(t, 0, b.Calls())
}

func TestManager_SkipsOpenBreakerWithoutCallingProvider(t *testing.T) {
	t.Parallel()
	a := &fakeGenerator{name: "A", text: "from A"}
	b := &fakeGenerator{name: "B", text: "from B"}
	m := newTestManager(t, time.Second, a, b)

	for range testBreakerCfg.FailureThreshold {
		m.records[0].Breaker.RecordFailure()
	}
	require.Equal(t, breaker.Open, m.records[0].Breaker.State())

	resp, used, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "B", used)
	assert.Equal(t, "from B", resp.Text)
	assert.Equal(t, 0, a.Calls(), "open provider must not be attempted")
}

func TestManager_FailoverRecordsFailure(t *testing.T) {
	t.Parallel()
	a := &fakeGenerator{name: "A", err: errors.New("503 from upstream")}
	b := &fakeGenerator{name: "B", text: "ok"}
	m := newTestManager(t, time.Second, a, b)

	for range 3 {
		_, used, err := m.Generate(context.Background(), Request{Query: "q"})
		require.NoError(t, err)
		assert.Equal(t, "B", used)
	}
	assert.Equal(t, breaker.Open, m.records[0].Breaker.State())

	_, _, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 3, a.Calls(), "A is skipped once its breaker opens")
}

func TestManager_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	slow := &fakeGenerator{name: "slow", text: "late", delay: time.Second}
	fast := &fakeGenerator{name: "fast", text: "ok"}
	m := newTestManager(t, 20*time.Millisecond, slow, fast)

	_, used, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "fast", used)
	assert.Equal(t, 1, m.records[0].Breaker.Snapshot().Failures)
}

// stubbornGenerator sleeps for delay without watching its context.
type stubbornGenerator struct {
	name  string
	delay time.Duration
}

func (g stubbornGenerator) Name() string { return g.name }

func (g stubbornGenerator) Generate(context.Context, Request) (Response, error) {
	time.Sleep(g.delay)
	return Response{Text: "late from " + g.name}, nil
}

func TestManager_LateAnswerPastDeadlineIsFailure(t *testing.T) {
	t.Parallel()
	a := stubbornGenerator{name: "A", delay: 100 * time.Millisecond}
	b := &fakeGenerator{name: "B", text: "ok"}
	m := newTestManager(t, 10*time.Millisecond, a, b)

	resp, used, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "B", used)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, m.records[0].Breaker.Snapshot().Failures)
}

func TestManager_LateAnswersExhaustChain(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 10*time.Millisecond,
		stubbornGenerator{name: "A", delay: 50 * time.Millisecond},
		stubbornGenerator{name: "B", delay: 50 * time.Millisecond},
	)

	_, used, err := m.Generate(context.Background(), Request{Query: "q"})
	assert.Empty(t, used)
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Attempts, 2)
	assert.ErrorIs(t, ex.Attempts[0].Err, context.DeadlineExceeded)
}

func TestManager_AllProvidersExhausted(t *testing.T) {
	t.Parallel()
	a := &fakeGenerator{name: "A", err: errors.New("a down")}
	b := &fakeGenerator{name: "B", err: errors.New("b down")}
	c := &fakeGenerator{name: "C", text: "never"}
	m := newTestManager(t, time.Second, a, b, c)
	for range testBreakerCfg.FailureThreshold {
		m.records[2].Breaker.RecordFailure()
	}

	_, used, err := m.Generate(context.Background(), Request{Query: "q"})
	assert.Empty(t, used)
	require.ErrorIs(t, err, ErrAllProvidersExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Attempts, 2)
	assert.Equal(t, "A", ex.Attempts[0].Provider)
	assert.Equal(t, "B", ex.Attempts[1].Provider)
	assert.Equal(t, []string{"C"}, ex.Skipped)
}

func TestManager_CallerCancellationAbandonsTrial(t *testing.T) {
	t.Parallel()
	clk := time.Now()
	now := func() time.Time { return clk }

	a := &fakeGenerator{name: "A", text: "slow", delay: time.Second}
	b, err := breaker.New("A", breaker.Config{FailureThreshold: 1, Timeout: time.Second, HalfOpenMaxCalls: 1}, breaker.WithClock(now))
	require.NoError(t, err)
	m, err := NewManager([]ProviderRecord{{Name: "A", Generator: a, Breaker: b}}, ManagerConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)

	b.RecordFailure()
	clk = clk.Add(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = m.Generate(ctx, Request{Query: "q"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAllProvidersExhausted)

	assert.Equal(t, breaker.HalfOpen, b.State(), "cancellation is not a provider failure")
	assert.True(t, b.Allow(), "trial slot released")
}

func TestManager_PriorityOrder(t *testing.T) {
	t.Parallel()
	mk := func(name string) ProviderRecord {
		b, err := breaker.New(name, testBreakerCfg)
		require.NoError(t, err)
		return ProviderRecord{Name: name, Generator: &fakeGenerator{name: name, text: name}, Breaker: b}
	}
	low, mid, high := mk("low"), mk("mid"), mk("high")
	low.PriorityOrder, mid.PriorityOrder, high.PriorityOrder = 0, 5, 10

	m, err := NewManager([]ProviderRecord{high, low, mid}, ManagerConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "mid", "high"}, m.Names())

	_, used, err := m.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "low", used)

	status := m.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "closed", status[0].Breaker.State)
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()
	b, err := breaker.New("x", testBreakerCfg)
	require.NoError(t, err)
	g := &fakeGenerator{name: "x"}

	_, err = NewManager(nil, ManagerConfig{})
	assert.Error(t, err)
	_, err = NewManager([]ProviderRecord{{Name: "x", Breaker: b}}, ManagerConfig{})
	assert.Error(t, err)
	_, err = NewManager([]ProviderRecord{{Name: "x", Generator: g}}, ManagerConfig{})
	assert.Error(t, err)
	_, err = NewManager([]ProviderRecord{
		{Name: "x", Generator: g, Breaker: b},
		{Name: "x", Generator: g, Breaker: b},
	}, ManagerConfig{})
	assert.ErrorContains(t, err, "duplicate")
}

// fakeChatModel is a minimal eino chat model.
type fakeChatModel struct {
	reply string
	err   error
	got   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestChatGenerator_BuildsContextMessages(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{reply: "Rifampicin 10 mg/kg once daily."}
	g, err := NewChatGenerator("ollama", "llama3", chat)
	require.NoError(t, err)

	chunks := []rag.RankedChunk{{
		Chunk:         rag.Chunk{ID: "c1", Content: "Adults: 10 mg/kg", Type: rag.ChunkTypeProtocol, SourceLabel: "TB guideline"},
		WeightedScore: 0.52,
	}}
	resp, err := g.Generate(context.Background(), Request{Query: "rifampicina dose adulto", Chunks: chunks})
	require.NoError(t, err)
	assert.Equal(t, "Rifampicin 10 mg/kg once daily.", resp.Text)
	assert.Equal(t, "llama3", resp.Model)

	require.Len(t, chat.got, 3)
	assert.Equal(t, schema.System, chat.got[0].Role)
	assert.Contains(t, chat.got[1].Content, "TB guideline")
	assert.Contains(t, chat.got[1].Content, "Adults: 10 mg/kg")
	assert.Equal(t, schema.User, chat.got[2].Role)
	assert.Equal(t, "rifampicina dose adulto", chat.got[2].Content)
}

func TestChatGenerator_EmptyContextOmitsBlock(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{reply: "general answer"}
	g, err := NewChatGenerator("openai", "gpt-4o", chat)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, chat.got, 2)
}

func TestChatGenerator_Errors(t *testing.T) {
	t.Parallel()

	g, err := NewChatGenerator("openai", "gpt-4o", &fakeChatModel{err: errors.New("429")})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), Request{Query: "q"})
	assert.ErrorContains(t, err, "429")

	g, err = NewChatGenerator("openai", "gpt-4o", &fakeChatModel{reply: "  "})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), Request{Query: "q"})
	assert.ErrorContains(t, err, "empty response")

	_, err = NewChatGenerator("", "m", &fakeChatModel{})
	assert.Error(t, err)
	_, err = NewChatGenerator("x", "m", nil)
	assert.Error(t, err)
}
