package decompose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// openAIExtractor handles Chat Completions, the Responses API and the
// OpenAI-compatible local servers (ollama, llama.cpp) that mimic them.
type openAIExtractor struct{}

var openAIConfigFields = []string{
	"temperature", "top_p", "max_tokens", "max_completion_tokens", "max_output_tokens",
	"n", "stop", "presence_penalty", "frequency_penalty", "seed", "response_format",
	"tool_choice", "reasoning_effort", "reasoning", "parallel_tool_calls",
	"stream_options", "text", "options",
}

func (openAIExtractor) Provider() domain.Provider { return domain.ProviderOpenAI }

func (openAIExtractor) Request(rawURL string, payload []byte) RequestResult {
	root := gjson.ParseBytes(payload)
	res := RequestResult{
		Model:            root.Get("model").String(),
		Stream:           root.Get("stream").Bool(),
		GenerationConfig: collectConfig(root, openAIConfigFields),
	}

	var list componentList
	switch {
	case root.Get("messages").IsArray():
		res.Protocol = "chat.completions"
		openAIChatComponents(root, &list, &res)
	case root.Get("input").Exists():
		res.Protocol = "responses"
		openAIResponsesComponents(root, &list, &res)
	case root.Get("prompt").Exists():
		res.Protocol = "completions"
		p := root.Get("prompt")
		res.UserInput = plainText(p)
		list.add(domain.PromptComponent{
			Type:        domain.ComponentUserInput,
			Role:        "user",
			Content:     plainText(p),
			ContentJSON: rawOf(p),
			Source:      "prompt",
			Path:        "prompt",
		})
	}
	res.IsLLM = len(list.items) > 0 && !isNonLLMPath(rawURL)

	for i, tool := range root.Get("tools").Array() {
		name := tool.Get("function.name").String()
		desc := tool.Get("function.description").String()
		if name == "" {
			name = tool.Get("name").String()
			desc = tool.Get("description").String()
		}
		if name == "" {
			name = tool.Get("type").String()
		}
		list.add(domain.PromptComponent{
			Type:        domain.ComponentToolDefinition,
			Content:     toolSummary(name, desc),
			ContentJSON: rawOf(tool),
			Source:      "tools",
			Path:        "tools." + strconv.Itoa(i),
		})
	}
	list.addExtras(root)

	res.Components = list.items
	return res
}

// openAIChatComponents handles a messages array.
func openAIChatComponents(root gjson.Result, list *componentList, res *RequestResult) {
	messages := root.Get("messages").Array()
	addMessageComponents("messages", messages, systemIndex(messages), list, res)
}

// openAIResponsesComponents handles the Responses API, where instructions
// is a top-level string and input is a string or an item list.
func openAIResponsesComponents(root gjson.Result, list *componentList, res *RequestResult) {
	hasInstructions := false
	if ins := root.Get("instructions"); ins.Exists() && ins.String() != "" {
		hasInstructions = true
		list.add(domain.PromptComponent{
			Type:        domain.ComponentSystemInstruction,
			Role:        "system",
			Content:     ins.String(),
			ContentJSON: rawOf(ins),
			Source:      "instructions",
			Path:        "instructions",
		})
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		res.UserInput = input.String()
		list.add(domain.PromptComponent{
			Type:        domain.ComponentUserInput,
			Role:        "user",
			Content:     input.String(),
			ContentJSON: rawOf(input),
			Source:      "input",
			Path:        "input",
		})
		return
	}

	items := input.Array()
	sys := -1
	if !hasInstructions {
		sys = systemIndex(items)
	}
	addMessageComponents("input", items, sys, list, res)
}

// systemIndex returns the position of the system instruction: the first
// system item, else the first developer item, else -1. The last item is
// the user input and only counts when it is the only one.
func systemIndex(items []gjson.Result) int {
	limit := len(items) - 1
	if limit == 0 {
		limit = 1
	}
	for _, role := range []string{"system", "developer"} {
		for i := 0; i < limit; i++ {
			if items[i].Get("role").String() == role {
				return i
			}
		}
	}
	return -1
}

// addMessageComponents emits history, the system item at sys and the user
// input in payload order. History is split around the system item so every
// component covers a contiguous path.
func addMessageComponents(field string, items []gjson.Result, sys int, list *componentList, res *RequestResult) {
	n := len(items)
	histEnd := n - 1
	if sys == n-1 {
		histEnd = sys
	}
	history := func(lo, hi int) {
		if hi <= lo {
			return
		}
		list.add(domain.PromptComponent{
			Type:        domain.ComponentConversationHistory,
			Content:     renderOpenAIMessages(items[lo:hi]),
			ContentJSON: rawArray(items[lo:hi]),
			Source:      field,
			Path:        rangePath(field, lo, hi),
		})
	}

	if sys < 0 {
		history(0, histEnd)
	} else {
		history(0, sys)
		item := items[sys]
		list.add(domain.PromptComponent{
			Type:        domain.ComponentSystemInstruction,
			Role:        item.Get("role").String(),
			Content:     openAIContentText(item.Get("content")),
			ContentJSON: rawOf(item),
			Source:      field,
			Path:        field + "." + strconv.Itoa(sys),
		})
		history(sys+1, histEnd)
	}
	if n == 0 || sys == n-1 {
		return
	}

	last := items[n-1]
	role := last.Get("role").String()
	text := openAIContentText(last.Get("content"))
	if last.Get("type").String() == "function_call_output" {
		role = "tool"
		text = plainText(last.Get("output"))
	}
	list.add(domain.PromptComponent{
		Type:        domain.ComponentUserInput,
		Role:        role,
		Content:     text,
		ContentJSON: rawOf(last),
		Source:      field,
		Path:        field + "." + strconv.Itoa(n-1),
	})
	res.ToolResultOnly = role == "tool" || role == "function"
	if role == "user" {
		res.UserInput = text
	}
}

func (openAIExtractor) Response(body []byte) ResponseResult {
	switch {
	case IsSSE(body):
		return openAIStream(ParseSSE(body))
	case isNDJSON(body):
		return ollamaStream(ndjsonLines(body))
	}

	root := gjson.ParseBytes(body)
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		return errorResult(e)
	}
	if root.Get("object").String() == "response" || root.Get("output").IsArray() {
		return openAIResponsesResult(root)
	}

	msg := openAIMessage{
		Model:     root.Get("model").String(),
		InputTok:  int(root.Get("usage.prompt_tokens").Int()),
		OutputTok: int(root.Get("usage.completion_tokens").Int()),
		Usage:     root.Get("usage").Raw,
	}
	choice := root.Get("choices.0")
	m := choice.Get("message")
	msg.StopReason = choice.Get("finish_reason").String()
	if !m.Exists() && root.Get("message").Exists() {
		// ollama's native chat shape
		m = root.Get("message")
		msg.InputTok = int(root.Get("prompt_eval_count").Int())
		msg.OutputTok = int(root.Get("eval_count").Int())
		msg.StopReason = root.Get("done_reason").String()
	}
	if t := choice.Get("text"); t.Exists() {
		msg.Text.WriteString(t.String())
	}
	msg.Text.WriteString(openAIContentText(m.Get("content")))
	msg.Thinking.WriteString(m.Get("reasoning_content").String())
	msg.Thinking.WriteString(m.Get("reasoning").String())
	msg.Thinking.WriteString(m.Get("thinking").String())
	msg.Refusal = m.Get("refusal").String()
	for _, tc := range m.Get("tool_calls").Array() {
		call := &openAIToolCall{ID: tc.Get("id").String(), Name: tc.Get("function.name").String()}
		args := tc.Get("function.arguments")
		if args.Type == gjson.String {
			call.Args.WriteString(args.String())
		} else {
			call.Args.WriteString(args.Raw)
		}
		msg.Calls = append(msg.Calls, call)
	}
	return msg.result()
}

func (openAIExtractor) SetText(payload []byte, c domain.PromptComponent, text string) ([]byte, error) {
	switch {
	case c.Path == "instructions", c.Path == "input", c.Path == "prompt":
		return sjson.SetBytes(payload, c.Path, text)
	case (strings.HasPrefix(c.Path, "messages.") || strings.HasPrefix(c.Path, "input.")) && !strings.Contains(c.Path, "["):
		field := ".content"
		if gjson.GetBytes(payload, c.Path+".type").String() == "function_call_output" {
			field = ".output"
		}
		return sjson.SetBytes(payload, c.Path+field, text)
	}
	return nil, fmt.Errorf("text edit not supported for %s at %q", c.Type, c.Path)
}

type openAIToolCall struct {
	ID          string
	Name        string
	Args        strings.Builder
	StreamIndex int
}

type openAIMessage struct {
	Model       string
	StopReason  string
	InputTok    int
	OutputTok   int
	Usage       string
	Text        strings.Builder
	TextIndex   int
	Thinking    strings.Builder
	ThinkIndex  int
	Refusal     string
	Calls       []*openAIToolCall
	ErrorObject gjson.Result
}

func (m *openAIMessage) result() ResponseResult {
	var spans spanList
	if m.Thinking.Len() > 0 {
		spans.add(domain.ResponseSpan{
			Type:        domain.SpanThinking,
			Content:     m.Thinking.String(),
			StreamIndex: m.ThinkIndex,
		})
	}
	spans.addText(m.Text.String(), m.TextIndex)
	for _, c := range m.Calls {
		spans.add(domain.ResponseSpan{
			Type:        domain.SpanToolCall,
			Content:     c.Name,
			StreamIndex: c.StreamIndex,
			ToolName:    c.Name,
			ToolCallID:  c.ID,
			ToolInput:   toolInput(c.Args.String()),
		})
	}

	res := ResponseResult{
		Model:        m.Model,
		StopReason:   m.StopReason,
		InputTokens:  m.InputTok,
		OutputTokens: m.OutputTok,
	}
	if m.Refusal != "" {
		res.ErrorMessage = m.Refusal
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: m.Refusal})
	}
	if m.ErrorObject.Exists() {
		msg := m.ErrorObject.Get("message").String()
		if res.ErrorMessage == "" {
			res.ErrorMessage = msg
		}
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: msg, ContentJSON: rawOf(m.ErrorObject)})
	}
	singleOutputTokens(spans.items, m.OutputTok)
	if m.InputTok > 0 || m.OutputTok > 0 {
		var extra []byte
		if m.Usage != "" {
			extra = []byte(m.Usage)
		}
		spans.addUsage(m.Model, m.InputTok, m.OutputTok, extra)
	}
	res.Spans = spans.items
	res.CostUSD = EstimateCostUSD(m.Model, m.InputTok, m.OutputTok)
	return res
}

// openAIStream folds chat.completion.chunk deltas, or Responses API
// events, into one message.
func openAIStream(events []Event) ResponseResult {
	msg := &openAIMessage{TextIndex: -1, ThinkIndex: -1}
	calls := map[int64]*openAIToolCall{}

	for _, ev := range events {
		if ev.Data == "[DONE]" || ev.Data == "" {
			continue
		}
		data := gjson.Parse(ev.Data)
		kind := data.Get("type").String()
		if kind == "" {
			kind = ev.Name
		}
		if strings.HasPrefix(kind, "response.") {
			if kind == "response.completed" || kind == "response.incomplete" || kind == "response.failed" {
				return openAIResponsesResult(data.Get("response"))
			}
			switch kind {
			case "response.output_text.delta":
				if msg.TextIndex < 0 {
					msg.TextIndex = ev.Index
				}
				msg.Text.WriteString(data.Get("delta").String())
			case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
				if msg.ThinkIndex < 0 {
					msg.ThinkIndex = ev.Index
				}
				msg.Thinking.WriteString(data.Get("delta").String())
			case "response.created":
				msg.Model = data.Get("response.model").String()
			}
			continue
		}
		if e := data.Get("error"); e.Exists() {
			msg.ErrorObject = e
			continue
		}

		if m := data.Get("model").String(); m != "" {
			msg.Model = m
		}
		if u := data.Get("usage"); u.IsObject() {
			msg.InputTok = int(u.Get("prompt_tokens").Int())
			msg.OutputTok = int(u.Get("completion_tokens").Int())
			msg.Usage = u.Raw
		}
		choice := data.Get("choices.0")
		if fr := choice.Get("finish_reason").String(); fr != "" {
			msg.StopReason = fr
		}
		delta := choice.Get("delta")
		if s := delta.Get("content").String(); s != "" {
			if msg.TextIndex < 0 {
				msg.TextIndex = ev.Index
			}
			msg.Text.WriteString(s)
		}
		for _, key := range []string{"reasoning_content", "reasoning"} {
			if s := delta.Get(key).String(); s != "" {
				if msg.ThinkIndex < 0 {
					msg.ThinkIndex = ev.Index
				}
				msg.Thinking.WriteString(s)
			}
		}
		if s := delta.Get("refusal").String(); s != "" {
			msg.Refusal += s
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			idx := tc.Get("index").Int()
			call, ok := calls[idx]
			if !ok {
				call = &openAIToolCall{StreamIndex: ev.Index}
				calls[idx] = call
				msg.Calls = append(msg.Calls, call)
			}
			if id := tc.Get("id").String(); id != "" {
				call.ID = id
			}
			if name := tc.Get("function.name").String(); name != "" {
				call.Name += name
			}
			call.Args.WriteString(tc.Get("function.arguments").String())
		}
	}
	if msg.TextIndex < 0 {
		msg.TextIndex = 0
	}
	if msg.ThinkIndex < 0 {
		msg.ThinkIndex = 0
	}
	return msg.result()
}

// ollamaStream folds ollama's newline-delimited chat chunks.
func ollamaStream(lines [][]byte) ResponseResult {
	msg := &openAIMessage{}
	for i, line := range lines {
		data := gjson.ParseBytes(line)
		if e := data.Get("error"); e.Exists() {
			msg.ErrorObject = e
			continue
		}
		if m := data.Get("model").String(); m != "" {
			msg.Model = m
		}
		if s := data.Get("message.content").String(); s != "" {
			if msg.Text.Len() == 0 {
				msg.TextIndex = i
			}
			msg.Text.WriteString(s)
		}
		if s := data.Get("response").String(); s != "" {
			if msg.Text.Len() == 0 {
				msg.TextIndex = i
			}
			msg.Text.WriteString(s)
		}
		if s := data.Get("message.thinking").String(); s != "" {
			if msg.Thinking.Len() == 0 {
				msg.ThinkIndex = i
			}
			msg.Thinking.WriteString(s)
		}
		for _, tc := range data.Get("message.tool_calls").Array() {
			call := &openAIToolCall{Name: tc.Get("function.name").String(), StreamIndex: i}
			call.Args.WriteString(tc.Get("function.arguments").Raw)
			msg.Calls = append(msg.Calls, call)
		}
		if data.Get("done").Bool() {
			msg.StopReason = data.Get("done_reason").String()
			msg.InputTok = int(data.Get("prompt_eval_count").Int())
			msg.OutputTok = int(data.Get("eval_count").Int())
		}
	}
	return msg.result()
}

// openAIResponsesResult reads a Responses API response object.
func openAIResponsesResult(root gjson.Result) ResponseResult {
	var spans spanList
	for i, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case "reasoning":
			text := plainText(item.Get("summary"))
			if text == "" {
				text = plainText(item.Get("content"))
			}
			if text != "" {
				spans.add(domain.ResponseSpan{Type: domain.SpanThinking, Content: text, StreamIndex: i})
			}
		case "message":
			for _, part := range item.Get("content").Array() {
				switch part.Get("type").String() {
				case "output_text":
					spans.addText(part.Get("text").String(), i)
				case "refusal":
					spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: part.Get("refusal").String(), StreamIndex: i})
				}
			}
		case "function_call", "custom_tool_call":
			args := item.Get("arguments").String()
			if args == "" {
				args = item.Get("input").String()
			}
			spans.add(domain.ResponseSpan{
				Type:        domain.SpanToolCall,
				Content:     item.Get("name").String(),
				StreamIndex: i,
				ToolName:    item.Get("name").String(),
				ToolCallID:  item.Get("call_id").String(),
				ToolInput:   toolInput(args),
			})
		default:
			if item.Exists() {
				spans.add(domain.ResponseSpan{
					Type:        domain.SpanToolCall,
					Content:     item.Get("type").String(),
					ContentJSON: rawOf(item),
					StreamIndex: i,
					ToolName:    item.Get("type").String(),
					ToolCallID:  item.Get("id").String(),
				})
			}
		}
	}

	model := root.Get("model").String()
	in := int(root.Get("usage.input_tokens").Int())
	out := int(root.Get("usage.output_tokens").Int())
	res := ResponseResult{
		Model:        model,
		StopReason:   root.Get("status").String(),
		InputTokens:  in,
		OutputTokens: out,
	}
	if e := root.Get("error"); e.IsObject() {
		res.ErrorMessage = e.Get("message").String()
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: res.ErrorMessage, ContentJSON: rawOf(e)})
	}
	if r := root.Get("incomplete_details.reason").String(); r != "" {
		res.StopReason = r
	}
	singleOutputTokens(spans.items, out)
	if in > 0 || out > 0 {
		spans.addUsage(model, in, out, rawOf(root.Get("usage")))
	}
	res.Spans = spans.items
	res.CostUSD = EstimateCostUSD(model, in, out)
	return res
}

func renderOpenAIMessages(messages []gjson.Result) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		role := m.Get("role").String()
		text := openAIContentText(m.Get("content"))
		switch m.Get("type").String() {
		case "function_call":
			role = "assistant"
			text = "[tool_call " + m.Get("name").String() + "] " + m.Get("arguments").String()
		case "function_call_output":
			role = "tool"
			text = plainText(m.Get("output"))
		}
		for _, tc := range m.Get("tool_calls").Array() {
			if text != "" {
				text += "\n"
			}
			text += "[tool_call " + tc.Get("function.name").String() + "] " + tc.Get("function.arguments").String()
		}
		lines = append(lines, role+": "+text)
	}
	return strings.Join(lines, "\n")
}

// openAIContentText renders string content or content-part arrays.
func openAIContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text", "input_text", "output_text":
			parts = append(parts, part.Get("text").String())
		case "image_url", "input_image":
			parts = append(parts, "[image]")
		case "input_file", "file":
			parts = append(parts, "[file]")
		default:
			if s := plainText(part); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}
