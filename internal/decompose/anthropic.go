package decompose

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// anthropicExtractor handles the Messages API.
type anthropicExtractor struct{}

var anthropicConfigFields = []string{
	"max_tokens", "temperature", "top_p", "top_k", "stop_sequences",
	"thinking", "tool_choice", "metadata", "service_tier",
}

func (anthropicExtractor) Provider() domain.Provider { return domain.ProviderAnthropic }

func (anthropicExtractor) Request(rawURL string, payload []byte) RequestResult {
	root := gjson.ParseBytes(payload)
	res := RequestResult{
		Protocol:         "messages",
		Model:            root.Get("model").String(),
		Stream:           root.Get("stream").Bool(),
		GenerationConfig: collectConfig(root, anthropicConfigFields),
	}
	if strings.Contains(rawURL, "/count_tokens") {
		res.Protocol = "count_tokens"
	}

	messages := root.Get("messages").Array()
	res.IsLLM = len(messages) > 0 && !isNonLLMPath(rawURL)

	var list componentList
	if sys := root.Get("system"); sys.Exists() && plainText(sys) != "" {
		list.add(domain.PromptComponent{
			Type:        domain.ComponentSystemInstruction,
			Role:        "system",
			Content:     plainText(sys),
			ContentJSON: rawOf(sys),
			Source:      "system",
			Path:        "system",
		})
	}

	if n := len(messages); n > 1 {
		list.add(domain.PromptComponent{
			Type:        domain.ComponentConversationHistory,
			Content:     renderAnthropicMessages(messages[:n-1]),
			ContentJSON: rawArray(messages[:n-1]),
			Source:      "messages",
			Path:        rangePath("messages", 0, n-1),
		})
	}
	if n := len(messages); n > 0 {
		last := messages[n-1]
		role := last.Get("role").String()
		text := anthropicContentText(last.Get("content"))
		list.add(domain.PromptComponent{
			Type:        domain.ComponentUserInput,
			Role:        role,
			Content:     text,
			ContentJSON: rawOf(last),
			Source:      "messages",
			Path:        "messages." + strconv.Itoa(n-1),
		})
		res.ToolResultOnly = role == "user" && anthropicToolResultOnly(last.Get("content"))
		if role == "user" && !res.ToolResultOnly {
			res.UserInput = text
		}
	}

	for i, tool := range root.Get("tools").Array() {
		list.add(domain.PromptComponent{
			Type:        domain.ComponentToolDefinition,
			Content:     toolSummary(tool.Get("name").String(), tool.Get("description").String()),
			ContentJSON: rawOf(tool),
			Source:      "tools",
			Path:        "tools." + strconv.Itoa(i),
		})
	}
	list.addExtras(root)

	res.Components = list.items
	return res
}

func (anthropicExtractor) Response(body []byte) ResponseResult {
	if IsSSE(body) {
		return anthropicStream(ParseSSE(body))
	}

	root := gjson.ParseBytes(body)
	if root.Get("type").String() == "error" || root.Get("error").IsObject() {
		return errorResult(root.Get("error"))
	}

	msg := anthropicMessage{
		Model:      root.Get("model").String(),
		StopReason: root.Get("stop_reason").String(),
		InputTok:   int(root.Get("usage.input_tokens").Int()),
		OutputTok:  int(root.Get("usage.output_tokens").Int()),
		Usage:      rawOf(root.Get("usage")),
	}
	for _, block := range root.Get("content").Array() {
		b := &anthropicBlock{
			Type:     block.Get("type").String(),
			Text:     block.Get("text").String(),
			Thinking: block.Get("thinking").String(),
			Name:     block.Get("name").String(),
			ID:       block.Get("id").String(),
			Raw:      block.Raw,
		}
		if in := block.Get("input"); in.Exists() {
			b.Input.WriteString(in.Raw)
		}
		if b.Type == "tool_result" || strings.HasSuffix(b.Type, "_tool_result") {
			b.Output = plainText(block.Get("content"))
			b.ID = block.Get("tool_use_id").String()
		}
		msg.Blocks = append(msg.Blocks, b)
	}
	return msg.result()
}

func (anthropicExtractor) SetText(payload []byte, c domain.PromptComponent, text string) ([]byte, error) {
	switch {
	case c.Path == "system":
		return sjson.SetBytes(payload, "system", text)
	case strings.HasPrefix(c.Path, "messages.") && !strings.Contains(c.Path, "["):
		return sjson.SetBytes(payload, c.Path+".content", text)
	}
	return nil, fmt.Errorf("text edit not supported for %s at %q", c.Type, c.Path)
}

type anthropicBlock struct {
	Type        string
	Text        string
	Thinking    string
	Name        string
	ID          string
	Output      string
	Input       strings.Builder
	Raw         string
	StreamIndex int
}

type anthropicMessage struct {
	Model      string
	StopReason string
	InputTok   int
	OutputTok  int
	Usage      json.RawMessage
	Blocks     []*anthropicBlock
	Errors     []gjson.Result
}

func (m *anthropicMessage) result() ResponseResult {
	var spans spanList
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			spans.addText(b.Text, b.StreamIndex)
		case "thinking", "redacted_thinking":
			spans.add(domain.ResponseSpan{
				Type:        domain.SpanThinking,
				Content:     b.Thinking,
				StreamIndex: b.StreamIndex,
			})
		case "tool_use", "server_tool_use":
			spans.add(domain.ResponseSpan{
				Type:        domain.SpanToolCall,
				Content:     b.Name,
				StreamIndex: b.StreamIndex,
				ToolName:    b.Name,
				ToolCallID:  b.ID,
				ToolInput:   toolInput(b.Input.String()),
			})
		default:
			if b.Output != "" || strings.HasSuffix(b.Type, "_tool_result") {
				spans.add(domain.ResponseSpan{
					Type:        domain.SpanToolCall,
					Content:     b.Type,
					StreamIndex: b.StreamIndex,
					ToolCallID:  b.ID,
					ToolOutput:  b.Output,
				})
			}
		}
	}

	res := ResponseResult{
		Model:        m.Model,
		StopReason:   m.StopReason,
		InputTokens:  m.InputTok,
		OutputTokens: m.OutputTok,
	}
	for _, e := range m.Errors {
		msg := e.Get("message").String()
		if res.ErrorMessage == "" {
			res.ErrorMessage = msg
		}
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: msg, ContentJSON: rawOf(e)})
	}
	singleOutputTokens(spans.items, m.OutputTok)
	if m.InputTok > 0 || m.OutputTok > 0 {
		spans.addUsage(m.Model, m.InputTok, m.OutputTok, m.Usage)
	}
	res.Spans = spans.items
	res.CostUSD = EstimateCostUSD(m.Model, m.InputTok, m.OutputTok)
	return res
}

// anthropicStream reassembles a Messages API event stream into the final
// message. Blocks remember the event index at which they started.
func anthropicStream(events []Event) ResponseResult {
	msg := &anthropicMessage{}
	blocks := map[int64]*anthropicBlock{}

	for _, ev := range events {
		data := gjson.Parse(ev.Data)
		kind := data.Get("type").String()
		if kind == "" {
			kind = ev.Name
		}
		switch kind {
		case "message_start":
			m := data.Get("message")
			msg.Model = m.Get("model").String()
			msg.InputTok = int(m.Get("usage.input_tokens").Int())
			if out := m.Get("usage.output_tokens").Int(); out > 0 {
				msg.OutputTok = int(out)
			}
		case "content_block_start":
			cb := data.Get("content_block")
			b := &anthropicBlock{
				Type:        cb.Get("type").String(),
				Text:        cb.Get("text").String(),
				Thinking:    cb.Get("thinking").String(),
				Name:        cb.Get("name").String(),
				ID:          cb.Get("id").String(),
				StreamIndex: ev.Index,
			}
			blocks[data.Get("index").Int()] = b
			msg.Blocks = append(msg.Blocks, b)
		case "content_block_delta":
			b, ok := blocks[data.Get("index").Int()]
			if !ok {
				b = &anthropicBlock{Type: "text", StreamIndex: ev.Index}
				blocks[data.Get("index").Int()] = b
				msg.Blocks = append(msg.Blocks, b)
			}
			delta := data.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				b.Text += delta.Get("text").String()
			case "thinking_delta":
				b.Thinking += delta.Get("thinking").String()
			case "input_json_delta":
				b.Input.WriteString(delta.Get("partial_json").String())
			}
		case "message_delta":
			if sr := data.Get("delta.stop_reason").String(); sr != "" {
				msg.StopReason = sr
			}
			if out := data.Get("usage.output_tokens"); out.Exists() {
				msg.OutputTok = int(out.Int())
			}
			if in := data.Get("usage.input_tokens"); in.Exists() && in.Int() > 0 {
				msg.InputTok = int(in.Int())
			}
			msg.Usage = rawOf(data.Get("usage"))
		case "error":
			msg.Errors = append(msg.Errors, data.Get("error"))
		}
	}
	return msg.result()
}

func renderAnthropicMessages(messages []gjson.Result) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Get("role").String()+": "+anthropicContentText(m.Get("content")))
	}
	return strings.Join(lines, "\n")
}

// anthropicContentText renders string or block-array message content.
func anthropicContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, block.Get("text").String())
		case "tool_use":
			parts = append(parts, "[tool_use "+block.Get("name").String()+"] "+block.Get("input").Raw)
		case "tool_result":
			parts = append(parts, "[tool_result] "+plainText(block.Get("content")))
		case "thinking":
			parts = append(parts, "[thinking] "+block.Get("thinking").String())
		case "image", "document":
			parts = append(parts, "["+block.Get("type").String()+"]")
		}
	}
	return strings.Join(parts, "\n")
}

func anthropicToolResultOnly(content gjson.Result) bool {
	blocks := content.Array()
	if content.Type == gjson.String || len(blocks) == 0 {
		return false
	}
	for _, block := range blocks {
		if block.Get("type").String() != "tool_result" {
			return false
		}
	}
	return true
}

func toolSummary(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}

// errorResult converts a provider error object into a single error span.
func errorResult(errObj gjson.Result) ResponseResult {
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = plainText(errObj)
	}
	var spans spanList
	spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: msg, ContentJSON: rawOf(errObj)})
	return ResponseResult{ErrorMessage: msg, Spans: spans.items}
}
