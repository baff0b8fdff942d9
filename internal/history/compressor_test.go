package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroflow/kiro-proxy-go/internal/config"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func newTestCompressor() *Compressor {
	return NewCompressor(config.HistorySettings{
		MaxRetries:                3,
		AddWarningHeader:          true,
		SummaryCacheEnabled:       true,
		SummaryCacheMaxAgeSeconds: 300,
	}, zerolog.Nop())
}

// kiroHistory builds n alternating kiro-framed turns, starting with a user
// turn of roughly chunk characters each.
func kiroHistory(n, chunk int) []Entry {
	filler := strings.Repeat("x", chunk)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, Entry{UserInput: &UserMessage{
				Content: fmt.Sprintf("user turn %d %s", i, filler),
				ModelID: "claude-sonnet-4",
			}})
		} else {
			out = append(out, Entry{AssistantResponse: &AssistantMessage{
				Content: fmt.Sprintf("assistant turn %d %s", i, filler),
			}})
		}
	}
	return out
}

func genericHistory(n int) []Entry {
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out = append(out, Entry{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return out
}

func TestNeedsCompression(t *testing.T) {
	c := newTestCompressor()

	assert.False(t, c.NeedsCompression(nil, strings.Repeat("x", AutoCompressThreshold+1)),
		"empty history never compresses")
	assert.False(t, c.NeedsCompression(kiroHistory(4, 10), ""))
	assert.True(t, c.NeedsCompression(kiroHistory(30, 5000), ""))
	assert.True(t, c.NeedsCompression(kiroHistory(4, 10), strings.Repeat("x", AutoCompressThreshold)),
		"pending user content counts toward the threshold")
}

func TestKeepCountClamps(t *testing.T) {
	small := kiroHistory(4, 10)
	assert.Equal(t, 3, keepCount(small, 100), "never keeps the whole history")

	big := kiroHistory(50, 10)
	assert.Equal(t, MaxKeepMessages, keepCount(big, 1<<30), "capped at the max")

	heavy := kiroHistory(30, 5000)
	assert.Equal(t, MinKeepMessages, keepCount(heavy, 1), "at least the minimum")

	assert.Equal(t, 0, keepCount(nil, 100))
}

func TestSmartCompressUnderTargetIsNoop(t *testing.T) {
	c := newTestCompressor()
	entries := kiroHistory(6, 10)

	r := c.SmartCompress(context.Background(), entries, "conv1", &fakeSummarizer{summary: "s"}, SafeCharLimit, 0)
	assert.False(t, r.Compressed)
	assert.Len(t, r.Entries, 6)
}

func TestSmartCompressSummarizes(t *testing.T) {
	c := newTestCompressor()
	summarizer := &fakeSummarizer{summary: "they debugged the parser"}
	entries := kiroHistory(30, 5000)

	r := c.SmartCompress(context.Background(), entries, "conv1", summarizer, SafeCharLimit, 0)
	require.True(t, r.Compressed)
	assert.Equal(t, 1, summarizer.calls)
	assert.Less(t, len(r.Entries), len(entries))

	// summary turn + ack turn lead the result, in the kiro envelope
	require.GreaterOrEqual(t, len(r.Entries), 2)
	head := r.Entries[0]
	require.NotNil(t, head.UserInput)
	assert.Contains(t, head.UserInput.Content, "[Earlier conversation summary]")
	assert.Contains(t, head.UserInput.Content, "they debugged the parser")
	assert.Equal(t, "AI_EDITOR", head.UserInput.Origin)
	assert.Equal(t, "claude-sonnet-4", head.UserInput.ModelID)

	ack := r.Entries[1]
	require.NotNil(t, ack.AssistantResponse)
	assert.Contains(t, ack.AssistantResponse.Content, "I understand the context")
}

func TestSmartCompressGenericEnvelope(t *testing.T) {
	c := newTestCompressor()
	entries := genericHistory(30)
	for i := range entries {
		entries[i].Content += strings.Repeat("y", 5000)
	}

	r := c.SmartCompress(context.Background(), entries, "conv1", &fakeSummarizer{summary: "sum"}, SafeCharLimit, 0)
	require.True(t, r.Compressed)
	head := r.Entries[0]
	assert.Nil(t, head.UserInput)
	assert.Equal(t, RoleUser, head.Role)
	assert.Equal(t, RoleAssistant, r.Entries[1].Role)
}

func TestSmartCompressUsesCache(t *testing.T) {
	c := newTestCompressor()
	summarizer := &fakeSummarizer{summary: "cached summary"}
	entries := kiroHistory(30, 5000)

	first := c.SmartCompress(context.Background(), entries, "conv1", summarizer, SafeCharLimit, 0)
	require.True(t, first.Compressed)
	assert.Equal(t, 1, summarizer.calls)

	second := c.SmartCompress(context.Background(), entries, "conv1", summarizer, SafeCharLimit, 0)
	require.True(t, second.Compressed)
	assert.Equal(t, 1, summarizer.calls, "identical history hits the summary cache")
	assert.Contains(t, second.Info, "cached")
}

func TestSmartCompressSummarizerFailureKeepsRecent(t *testing.T) {
	c := newTestCompressor()
	entries := kiroHistory(30, 5000)

	r := c.SmartCompress(context.Background(), entries, "conv1", &fakeSummarizer{err: errors.New("upstream down")}, SafeCharLimit, 0)
	require.True(t, r.Compressed)
	assert.Less(t, len(r.Entries), len(entries))
	for i := range r.Entries {
		assert.NotContains(t, r.Entries[i].Text(), "[Earlier conversation summary]")
	}
}

func TestSmartCompressDoesNotMutateInput(t *testing.T) {
	c := newTestCompressor()
	entries := kiroHistory(30, 5000)
	entries[24].UserInput.Context = &UserContext{
		ToolResults: []ToolResult{{ToolUseID: "orphan"}},
	}

	c.SmartCompress(context.Background(), entries, "conv1", &fakeSummarizer{summary: "s"}, SafeCharLimit, 0)
	require.NotNil(t, entries[24].UserInput.Context, "caller's entries must not be modified")
	assert.Len(t, entries[24].UserInput.Context.ToolResults, 1)
}

func TestBuildCompressedSanitizes(t *testing.T) {
	recent := []Entry{
		{AssistantResponse: &AssistantMessage{Content: "dangling assistant"}},
		{UserInput: &UserMessage{
			Content: "first kept user",
			Context: &UserContext{ToolResults: []ToolResult{{ToolUseID: "tu-lost"}}},
		}},
		{AssistantResponse: &AssistantMessage{
			Content:  "used a tool",
			ToolUses: []ToolUse{{ToolUseID: "tu-1", Name: "grep"}},
		}},
		{UserInput: &UserMessage{
			Content: "tool results",
			Context: &UserContext{ToolResults: []ToolResult{
				{ToolUseID: "tu-1"},
				{ToolUseID: "tu-orphan"},
			}},
		}},
	}

	out := buildCompressed("the summary", recent)

	// head pair + 3 surviving turns (leading assistant dropped)
	require.Len(t, out, 5)

	firstKept := out[2]
	require.NotNil(t, firstKept.UserInput)
	assert.Nil(t, firstKept.UserInput.Context, "first user turn loses its context block")

	last := out[4]
	require.NotNil(t, last.UserInput)
	require.NotNil(t, last.UserInput.Context)
	require.Len(t, last.UserInput.Context.ToolResults, 1)
	assert.Equal(t, "tu-1", last.UserInput.Context.ToolResults[0].ToolUseID, "orphan tool results are dropped")
}

func TestBuildCompressedModelIDFallback(t *testing.T) {
	out := buildCompressed("s", []Entry{
		{UserInput: &UserMessage{Content: "no model id"}},
	})
	require.NotNil(t, out[0].UserInput)
	assert.Equal(t, "claude-sonnet-4", out[0].UserInput.ModelID)

	out = buildCompressed("s", []Entry{
		{UserInput: &UserMessage{Content: "hello", ModelID: "claude-opus-4"}},
	})
	assert.Equal(t, "claude-opus-4", out[0].UserInput.ModelID)
}

func TestPreProcess(t *testing.T) {
	c := newTestCompressor()
	summarizer := &fakeSummarizer{summary: "s"}

	small := kiroHistory(6, 10)
	r := c.PreProcess(context.Background(), small, "", "conv1", summarizer)
	assert.False(t, r.Compressed)
	assert.Zero(t, summarizer.calls)

	big := kiroHistory(40, 5000)
	r = c.PreProcess(context.Background(), big, "", "conv1", summarizer)
	assert.True(t, r.Compressed)
}

func TestHandleLengthErrorRetriesThenGivesUp(t *testing.T) {
	c := newTestCompressor()
	summarizer := &fakeSummarizer{summary: "s"}
	entries := kiroHistory(40, 5000)

	r, retry := c.HandleLengthError(context.Background(), entries, "conv1", summarizer, 0)
	assert.True(t, retry)
	assert.Less(t, len(r.Entries), len(entries))

	_, retry = c.HandleLengthError(context.Background(), entries, "conv1", summarizer, 3)
	assert.False(t, retry, "retries exhausted at max_retries")
}

func TestHandleLengthErrorNoSummarizerTruncates(t *testing.T) {
	c := newTestCompressor()
	entries := kiroHistory(40, 100)

	r, retry := c.HandleLengthError(context.Background(), entries, "", nil, 0)
	require.True(t, retry)
	assert.Len(t, r.Entries, 20, "half the history survives the first truncation")
	assert.Equal(t, entries[len(entries)-1].Text(), r.Entries[len(r.Entries)-1].Text(), "tail is kept")
}

func TestHandleLengthErrorEmptyHistory(t *testing.T) {
	c := newTestCompressor()
	_, retry := c.HandleLengthError(context.Background(), nil, "", nil, 0)
	assert.False(t, retry)
}

func TestWarningHeader(t *testing.T) {
	c := newTestCompressor()
	assert.Empty(t, c.WarningHeader(Result{Compressed: false, Info: "x"}))
	assert.Equal(t, "compressed", c.WarningHeader(Result{Compressed: true, Info: "compressed"}))

	c.UpdateSettings(config.HistorySettings{AddWarningHeader: false})
	assert.Empty(t, c.WarningHeader(Result{Compressed: true, Info: "compressed"}))
}

func TestSummaryCache(t *testing.T) {
	cache := NewSummaryCache()

	_, ok := cache.Get("k", "h", time.Minute)
	assert.False(t, ok)

	cache.Set("k", "the summary", "h")
	got, ok := cache.Get("k", "h", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "the summary", got)

	_, ok = cache.Get("k", "different-hash", time.Minute)
	assert.False(t, ok, "hash mismatch misses")

	_, ok = cache.Get("k", "h", 0)
	assert.False(t, ok, "expired entries miss")
}

func TestIsContentLengthError(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"CONTENT_LENGTH_EXCEEDS_THRESHOLD", true},
		{"Input is too long for requested model", true},
		{"the message is too long", true},
		{"content too long, reduce size", true},
		{"maximum context length exceeded", true},
		{"token limit reached", true},
		{"too long", false},
		{"rate limit exceeded", false},
		{"401 unauthorized", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsContentLengthError(tc.text), tc.text)
	}
}

func TestEntryHelpers(t *testing.T) {
	user := Entry{UserInput: &UserMessage{Content: "hi"}}
	assert.True(t, user.IsKiro())
	assert.True(t, user.IsUser())
	assert.False(t, user.IsAssistant())
	assert.Equal(t, "hi", user.Text())

	generic := Entry{Role: RoleAssistant, Content: "hello"}
	assert.False(t, generic.IsKiro())
	assert.True(t, generic.IsAssistant())
	assert.Equal(t, "hello", generic.Text())

	assert.True(t, HasKiroEntries([]Entry{generic, user}))
	assert.False(t, HasKiroEntries([]Entry{generic}))
}
