package history

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/config"
)

// Compression thresholds. Sizes are canonical JSON characters.
const (
	AutoCompressThreshold = 120000
	SafeCharLimit         = 100000
	MinKeepMessages       = 6
	MaxKeepMessages       = 20
	SummaryMaxLength      = 3000
)

// Summarizer generates a summary from a prompt, typically by calling the
// upstream model.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Result is a compression outcome.
type Result struct {
	Entries    []Entry
	Compressed bool
	Info       string
}

// Compressor shrinks oversized histories: keep the most recent turns, fold
// the rest into a summary turn.
type Compressor struct {
	settings config.HistorySettings
	cache    *SummaryCache
	logger   zerolog.Logger
}

// NewCompressor builds a compressor with a fresh summary cache.
func NewCompressor(settings config.HistorySettings, logger zerolog.Logger) *Compressor {
	return &Compressor{
		settings: settings,
		cache:    NewSummaryCache(),
		logger:   logger.With().Str("component", "history").Logger(),
	}
}

// Settings returns the current history settings.
func (c *Compressor) Settings() config.HistorySettings { return c.settings }

// UpdateSettings installs new settings at runtime.
func (c *Compressor) UpdateSettings(s config.HistorySettings) { c.settings = s }

// NeedsCompression reports whether the history plus the pending user
// content exceeds the auto-compress threshold.
func (c *Compressor) NeedsCompression(entries []Entry, userContent string) bool {
	if len(entries) == 0 {
		return false
	}
	return SerializedLen(entries)+len(userContent) > AutoCompressThreshold
}

// hashEntries is the cheap history fingerprint used by the summary cache.
func hashEntries(entries []Entry) string {
	return fmt.Sprintf("%d:%d", len(entries), SerializedLen(entries))
}

// keepCount accumulates entry sizes from the tail until targetChars is hit,
// clamped to [MinKeepMessages, min(count, len-1)].
func keepCount(entries []Entry, targetChars int) int {
	if len(entries) == 0 {
		return 0
	}
	total := 0
	count := 0
	for i := len(entries) - 1; i >= 0; i-- {
		size := entryLen(entries[i])
		if total+size > targetChars && count >= MinKeepMessages {
			break
		}
		total += size
		count++
		if count >= MaxKeepMessages {
			break
		}
	}
	if count < MinKeepMessages {
		count = MinKeepMessages
	}
	if max := len(entries) - 1; count > max {
		count = max
	}
	return count
}

// formatForSummary flattens history into role-labelled lines for the
// summarizer prompt, truncating long individual turns.
func formatForSummary(entries []Entry) string {
	var b strings.Builder
	for i := range entries {
		e := &entries[i]
		role := "unknown"
		switch {
		case e.IsUser():
			role = RoleUser
		case e.IsAssistant():
			role = RoleAssistant
		}
		content := e.Text()
		if len(content) > 800 {
			content = content[:800] + "..."
		}
		fmt.Fprintf(&b, "[%s]: %s\n", role, content)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (c *Compressor) generateSummary(ctx context.Context, entries []Entry, summarizer Summarizer) (string, error) {
	if len(entries) == 0 || summarizer == nil {
		return "", fmt.Errorf("nothing to summarize")
	}

	formatted := formatForSummary(entries)
	if len(formatted) > 15000 {
		formatted = formatted[:15000] + "\n...(truncated)"
	}

	prompt := fmt.Sprintf(`Summarize the key information from this conversation concisely:
1. The user's main goals
2. Important actions taken and decisions made
3. Current working state and key context

Conversation history:
%s

Keep the summary under %d characters and focus on what matters for continuing the conversation:`, formatted, SummaryMaxLength)

	summary, err := summarizer.Summarize(ctx, prompt)
	if err != nil {
		return "", err
	}
	if len(summary) > SummaryMaxLength {
		summary = summary[:SummaryMaxLength] + "..."
	}
	return summary, nil
}

// buildCompressed assembles summary turn + ack + sanitized recent turns.
// The recent slice must start with a user turn; tool results that lost
// their matching tool use are dropped, and the first surviving user turn
// loses its context block entirely.
func buildCompressed(summary string, recent []Entry) []Entry {
	sanitized := make([]Entry, 0, len(recent))
	for i := range recent {
		sanitized = append(sanitized, recent[i].clone())
	}

	if len(sanitized) > 0 && sanitized[0].AssistantResponse != nil {
		sanitized = sanitized[1:]
	}

	toolUseIDs := make(map[string]bool)
	for i := range sanitized {
		if msg := sanitized[i].AssistantResponse; msg != nil {
			for _, tu := range msg.ToolUses {
				if tu.ToolUseID != "" {
					toolUseIDs[tu.ToolUseID] = true
				}
			}
		}
	}

	if len(sanitized) > 0 && sanitized[0].UserInput != nil {
		sanitized[0].UserInput.Context = nil
	}

	for i := range sanitized {
		msg := sanitized[i].UserInput
		if msg == nil || msg.Context == nil {
			continue
		}
		if len(toolUseIDs) == 0 {
			msg.Context = nil
			continue
		}
		var filtered []ToolResult
		for _, tr := range msg.Context.ToolResults {
			if toolUseIDs[tr.ToolUseID] {
				filtered = append(filtered, tr)
			}
		}
		if len(filtered) == 0 {
			msg.Context = nil
		} else {
			msg.Context.ToolResults = filtered
		}
	}

	modelID := "claude-sonnet-4"
	for i := len(sanitized) - 1; i >= 0; i-- {
		if msg := sanitized[i].UserInput; msg != nil {
			if msg.ModelID != "" {
				modelID = msg.ModelID
			}
			break
		}
		if msg := sanitized[i].AssistantResponse; msg != nil {
			if msg.ModelID != "" {
				modelID = msg.ModelID
			}
			break
		}
	}

	summaryContent := fmt.Sprintf("[Earlier conversation summary]\n%s\n\n[Continuing from recent context...]", summary)
	const ackContent = "I understand the context from the summary. Let's continue."

	var head []Entry
	if HasKiroEntries(sanitized) {
		head = []Entry{
			{UserInput: &UserMessage{Content: summaryContent, ModelID: modelID, Origin: "AI_EDITOR"}},
			{AssistantResponse: &AssistantMessage{Content: ackContent}},
		}
	} else {
		head = []Entry{
			{Role: RoleUser, Content: summaryContent},
			{Role: RoleAssistant, Content: ackContent},
		}
	}
	return append(head, sanitized...)
}

// SmartCompress shrinks the history toward targetChars. retryLevel scales
// the target down by 0.8 per level. cacheKey scopes the summary cache; an
// empty key disables caching. On summarizer failure the recent turns are
// returned without a summary.
func (c *Compressor) SmartCompress(ctx context.Context, entries []Entry, cacheKey string, summarizer Summarizer, targetChars, retryLevel int) Result {
	if len(entries) == 0 {
		return Result{Entries: entries}
	}
	if SerializedLen(entries) <= targetChars {
		return Result{Entries: entries}
	}

	adjusted := int(float64(targetChars) * math.Pow(0.8, float64(retryLevel)))
	keep := keepCount(entries, adjusted)
	if keep >= len(entries) {
		keep = len(entries) - 2
		if keep < MinKeepMessages {
			keep = MinKeepMessages
		}
	}

	old := entries[:len(entries)-keep]
	recent := entries[len(entries)-keep:]
	if len(old) == 0 {
		return Result{Entries: recent, Compressed: true, Info: fmt.Sprintf("kept %d recent messages", len(recent))}
	}

	oldHash := hashEntries(old)
	var fullKey string
	if cacheKey != "" {
		fullKey = fmt.Sprintf("%s:%d", cacheKey, keep)
	}

	if fullKey != "" && c.settings.SummaryCacheEnabled {
		if cached, ok := c.cache.Get(fullKey, oldHash, c.settings.SummaryCacheMaxAge()); ok {
			result := buildCompressed(cached, recent)
			c.logger.Debug().Int("from", len(entries)).Int("to", len(result)).Msg("compressed with cached summary")
			return Result{
				Entries:    result,
				Compressed: true,
				Info:       fmt.Sprintf("compressed (cached summary): %d -> %d messages", len(entries), len(result)),
			}
		}
	}

	summary, err := c.generateSummary(ctx, old, summarizer)
	if err != nil {
		c.logger.Warn().Err(err).Msg("summary generation failed, keeping recent messages only")
		return Result{
			Entries:    recent,
			Compressed: true,
			Info:       fmt.Sprintf("summary failed, kept %d recent messages", len(recent)),
		}
	}

	if fullKey != "" && c.settings.SummaryCacheEnabled {
		c.cache.Set(fullKey, summary, oldHash)
	}

	result := buildCompressed(summary, recent)
	c.logger.Info().Int("from", len(entries)).Int("to", len(result)).Int("summary_chars", len(summary)).Msg("history compressed")
	return Result{
		Entries:    result,
		Compressed: true,
		Info:       fmt.Sprintf("compressed: %d -> %d messages (%d char summary)", len(entries), len(result), len(summary)),
	}
}

// PreProcess auto-compresses before sending when the history is over the
// threshold.
func (c *Compressor) PreProcess(ctx context.Context, entries []Entry, userContent, cacheKey string, summarizer Summarizer) Result {
	if !c.NeedsCompression(entries, userContent) || summarizer == nil {
		return Result{Entries: entries}
	}
	return c.SmartCompress(ctx, entries, cacheKey, summarizer, SafeCharLimit, 0)
}

// HandleLengthError reacts to an upstream content-length rejection. retry
// reports whether the caller should resend; it is false once retryCount
// reaches the configured maximum or compression made no progress.
func (c *Compressor) HandleLengthError(ctx context.Context, entries []Entry, cacheKey string, summarizer Summarizer, retryCount int) (Result, bool) {
	if retryCount >= c.settings.MaxRetries {
		c.logger.Warn().Int("max_retries", c.settings.MaxRetries).Msg("length-error retries exhausted")
		return Result{Entries: entries}, false
	}
	if len(entries) == 0 {
		return Result{Entries: entries}, false
	}

	target := int(float64(SafeCharLimit) * math.Pow(0.7, float64(retryCount)))
	if summarizer != nil {
		result := c.SmartCompress(ctx, entries, cacheKey, summarizer, target, retryCount)
		if len(result.Entries) < len(entries) {
			result.Info = fmt.Sprintf("length-error retry %d: %d -> %d messages", retryCount+1, len(entries), len(result.Entries))
			return result, true
		}
		return Result{Entries: entries}, false
	}

	keep := int(float64(len(entries)) * math.Pow(0.5, float64(retryCount+1)))
	if keep < MinKeepMessages {
		keep = MinKeepMessages
	}
	if keep >= len(entries) {
		return Result{Entries: entries}, false
	}
	truncated := entries[len(entries)-keep:]
	return Result{
		Entries:    truncated,
		Compressed: true,
		Info:       fmt.Sprintf("length-error truncation %d: %d -> %d messages", retryCount+1, len(entries), len(truncated)),
	}, true
}

// WarningHeader returns the header text describing a compression, empty
// when disabled or nothing was compressed.
func (c *Compressor) WarningHeader(r Result) string {
	if !c.settings.AddWarningHeader || !r.Compressed {
		return ""
	}
	return r.Info
}
