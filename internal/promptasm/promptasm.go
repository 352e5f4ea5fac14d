// Package promptasm implements the Prompt Assembler (C10): it builds a
// grounded system+user prompt from retrieved chunks and chat history,
// truncated to a character budget (§4.5).
package promptasm

import (
	"fmt"
	"strings"

	"github.com/docqa/ragserve/internal/retriever"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/store"
)

// DefaultContextBudgetChars is §4.5's default context budget.
const DefaultContextBudgetChars = 6000

// DefaultHistoryMessages is §4.5's default count of trailing history
// messages to include.
const DefaultHistoryMessages = 10

var systemPrompts = map[string]string{
	"zh": `你必須只使用下面提供的內容回答問題。不得使用先驗知識，不得臆測。如果提供的內容不足以回答問題，必須明確說明："根據您提供的文檔，我無法找到相關信息。"
禁止使用以下措辭："通常"、"一般來說"、"眾所周知"、"據我所知"。
回答前請自我核對：1) 每一個陳述都能在下方內容中找到依據嗎？2) 是否引用了來源標記 [file_id#chunk_index]？3) 是否避免了臆測？`,
	"en": `You must answer using only the context supplied below. Do not use prior knowledge and do not speculate. If the supplied context is insufficient to answer, you must say so explicitly: "Based on the provided documents, I cannot find that information."
Prohibited phrasings: "generally", "commonly", "as is known", "typically".
Before answering, verify: 1) does every claim trace back to the context below? 2) have you cited a source marker [file_id#chunk_index]? 3) have you avoided speculation?`,
}

const fallbackPhraseZH = "根據您提供的文檔，我無法找到相關信息。"
const fallbackPhraseEN = "Based on the provided documents, I cannot find that information."

// FallbackPhrase returns the locale-specific phrase the model is
// instructed to answer with when the context is insufficient.
func FallbackPhrase(locale string) string {
	if locale == "zh" {
		return fallbackPhraseZH
	}
	return fallbackPhraseEN
}

// Assembler builds prompts per §4.5.
type Assembler struct {
	contextBudgetChars int
	historyMessages    int
}

// New constructs an Assembler. budgetChars <= 0 and historyMessages <= 0
// fall back to the §4.5 defaults.
func New(budgetChars, historyMessages int) *Assembler {
	if budgetChars <= 0 {
		budgetChars = DefaultContextBudgetChars
	}
	if historyMessages <= 0 {
		historyMessages = DefaultHistoryMessages
	}
	return &Assembler{contextBudgetChars: budgetChars, historyMessages: historyMessages}
}

// Build assembles the message list: system message, truncated history,
// then the user's verbatim query. hits must already be sorted by
// descending score (the Retriever's contract).
func (a *Assembler) Build(userQuery string, hits []retriever.Hit, history []store.Message, locale string) []llm.Message {
	sys, ok := systemPrompts[locale]
	if !ok {
		sys = systemPrompts["en"]
	}

	var ctxBuilder strings.Builder
	used := 0
	for _, h := range hits {
		marker := fmt.Sprintf("[%s#%d] ", h.FileID, h.ChunkIndex)
		piece := marker + h.Content + "\n\n"
		if used+len(piece) > a.contextBudgetChars {
			break
		}
		ctxBuilder.WriteString(piece)
		used += len(piece)
	}

	messages := []llm.Message{{Role: "system", Content: sys + "\n\nContext:\n" + ctxBuilder.String()}}

	start := 0
	if len(history) > a.historyMessages {
		start = len(history) - a.historyMessages
	}
	for _, m := range history[start:] {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	messages = append(messages, llm.Message{Role: "user", Content: userQuery})
	return messages
}
