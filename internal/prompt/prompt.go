// Package prompt assembles the {system, user} message pair handed to the
// LLM (4.P): template selection, retrieved-context formatting and
// conversation-history formatting. Grounded on rag_prompts.py's
// RAGPromptTemplates.
package prompt

import (
	"fmt"
	"strings"

	"github.com/knoguchi/rag/internal/domain"
)

// Template names.
const (
	BasicRAG          = "basic_rag"
	ConversationalRAG = "conversational_rag"
)

const noRelevantInfo = "暂无相关信息。"
const conversationStart = "这是对话的开始。"

const basicSystemTemplate = `你是一个专业的知识问答助手。请根据提供的上下文信息来回答用户的问题。

回答要求：
1. 优先使用提供的上下文信息
2. 如果上下文不包含相关信息，请说明无法从提供的信息中找到答案
3. 保持回答准确、简洁、有用
4. 可以进行合理的推理，但要基于提供的信息
5. 如果问题需要实时信息或个人意见，请说明这些限制

上下文信息：
%s

请基于以上信息回答用户的问题。`

const conversationalSystemTemplate = `你是一个智能对话助手。请根据提供的上下文信息和对话历史来回答用户的问题。

回答要求：
1. 考虑对话历史，保持对话的连贯性
2. 优先使用提供的上下文信息
3. 如果当前问题与之前的对话相关，要体现这种关联
4. 保持友好、自然的对话语调
5. 如果信息不足，可以询问用户更多细节

对话历史：
%s

当前上下文信息：
%s

请基于对话历史和上下文信息回答用户的当前问题。`

// Prompt is the assembled {system, user} pair handed to the LLM.
type Prompt struct {
	System string
	User   string
}

// FormatContext renders retrieval results as the numbered context block fed
// into the system prompt. An empty result set renders the fixed
// "no relevant information" sentinel instead.
func FormatContext(results []domain.RerankResult) string {
	if len(results) == 0 {
		return noRelevantInfo
	}

	parts := make([]string, 0, len(results))
	for i, result := range results {
		entry := fmt.Sprintf("[信息 %d]\n内容：%s", i+1, result.Content)
		if result.FinalScore > 0 {
			entry += fmt.Sprintf("\n相关性：%.2f", result.FinalScore)
		}
		if source, ok := result.Metadata["source"]; ok {
			if s, ok := source.(string); ok && s != "" {
				entry += fmt.Sprintf("\n来源：%s", s)
			}
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "\n\n")
}

// FormatHistory renders a pre-built conversation transcript for the
// conversational template, falling back to a fixed "start of conversation"
// sentinel when there is no history yet.
func FormatHistory(history string) string {
	if history == "" {
		return conversationStart
	}
	return history
}

// Build assembles the {system, user} prompt for a question given the
// reranked-and-filtered context and, for the conversational template, a
// recent-history transcript (see memory.Store.GetRecentContext).
func Build(template, question string, results []domain.RerankResult, history string) Prompt {
	context := FormatContext(results)

	switch template {
	case ConversationalRAG:
		return Prompt{
			System: fmt.Sprintf(conversationalSystemTemplate, FormatHistory(history), context),
			User:   fmt.Sprintf("当前问题：%s", question),
		}
	default:
		return Prompt{
			System: fmt.Sprintf(basicSystemTemplate, context),
			User:   fmt.Sprintf("问题：%s", question),
		}
	}
}
