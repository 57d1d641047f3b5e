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

// geminiExtractor handles generateContent and streamGenerateContent.
type geminiExtractor struct{}

var geminiSystemFields = []string{"systemInstruction", "system_instruction", "config.systemInstruction"}

func (geminiExtractor) Provider() domain.Provider { return domain.ProviderGemini }

func (geminiExtractor) Request(rawURL string, payload []byte) RequestResult {
	root := gjson.ParseBytes(payload)
	res := RequestResult{
		Protocol: "generateContent",
		Model:    geminiModelFromURL(rawURL),
		Stream:   strings.Contains(rawURL, ":streamGenerateContent"),
	}
	if m := root.Get("model").String(); m != "" && res.Model == "" {
		res.Model = strings.TrimPrefix(m, "models/")
	}
	if res.Stream {
		res.Protocol = "streamGenerateContent"
	}

	cfg := []byte("{}")
	n := 0
	for _, f := range []string{"generationConfig", "generation_config", "safetySettings", "safety_settings", "toolConfig", "tool_config", "cachedContent"} {
		if v := root.Get(f); v.Exists() {
			cfg, _ = sjson.SetRawBytes(cfg, f, []byte(v.Raw))
			n++
		}
	}
	if n > 0 {
		res.GenerationConfig = json.RawMessage(cfg)
	}

	contents := root.Get("contents")
	if contents.Type == gjson.String {
		// the SDKs accept a bare prompt string
		res.UserInput = contents.String()
	}
	items := contents.Array()
	res.IsLLM = len(items) > 0 && !isNonLLMPath(rawURL)

	var list componentList
	for _, f := range geminiSystemFields {
		sys := root.Get(f)
		if text := plainText(sys); sys.Exists() && text != "" {
			list.add(domain.PromptComponent{
				Type:        domain.ComponentSystemInstruction,
				Role:        "system",
				Content:     text,
				ContentJSON: rawOf(sys),
				Source:      f,
				Path:        f,
			})
			break
		}
	}

	n = len(items)
	if contents.Type == gjson.String {
		list.add(domain.PromptComponent{
			Type:        domain.ComponentUserInput,
			Role:        "user",
			Content:     contents.String(),
			ContentJSON: rawOf(contents),
			Source:      "contents",
			Path:        "contents",
		})
	} else {
		if n > 1 {
			list.add(domain.PromptComponent{
				Type:        domain.ComponentConversationHistory,
				Content:     renderGeminiContents(items[:n-1]),
				ContentJSON: rawArray(items[:n-1]),
				Source:      "contents",
				Path:        rangePath("contents", 0, n-1),
			})
		}
		if n > 0 {
			last := items[n-1]
			role := last.Get("role").String()
			if role == "" {
				role = "user"
			}
			text := geminiPartsText(last.Get("parts"))
			list.add(domain.PromptComponent{
				Type:        domain.ComponentUserInput,
				Role:        role,
				Content:     text,
				ContentJSON: rawOf(last),
				Source:      "contents",
				Path:        "contents." + strconv.Itoa(n-1),
			})
			res.ToolResultOnly = geminiFunctionResponseOnly(last.Get("parts"))
			if role == "user" && !res.ToolResultOnly {
				res.UserInput = text
			}
		}
	}

	for i, tool := range root.Get("tools").Array() {
		decls := tool.Get("functionDeclarations").Array()
		if len(decls) == 0 {
			decls = tool.Get("function_declarations").Array()
		}
		if len(decls) == 0 {
			// built-in tools such as googleSearch or codeExecution
			list.add(domain.PromptComponent{
				Type:        domain.ComponentToolDefinition,
				Content:     firstKey(tool),
				ContentJSON: rawOf(tool),
				Source:      "tools",
				Path:        "tools." + strconv.Itoa(i),
			})
			continue
		}
		field := "functionDeclarations"
		if !tool.Get(field).Exists() {
			field = "function_declarations"
		}
		for j, decl := range decls {
			list.add(domain.PromptComponent{
				Type:        domain.ComponentToolDefinition,
				Content:     toolSummary(decl.Get("name").String(), decl.Get("description").String()),
				ContentJSON: rawOf(decl),
				Source:      "tools",
				Path:        "tools." + strconv.Itoa(i) + "." + field + "." + strconv.Itoa(j),
			})
		}
	}
	list.addExtras(root)

	res.Components = list.items
	return res
}

func (geminiExtractor) Response(body []byte) ResponseResult {
	var chunks []gjson.Result
	switch {
	case IsSSE(body):
		for _, ev := range ParseSSE(body) {
			if ev.Data != "" {
				chunks = append(chunks, gjson.Parse(ev.Data))
			}
		}
	default:
		root := gjson.ParseBytes(body)
		if root.IsArray() {
			// streamGenerateContent without alt=sse returns a JSON array
			chunks = root.Array()
		} else {
			chunks = []gjson.Result{root}
		}
	}

	var (
		model      string
		stopReason string
		in, out    int
		usage      json.RawMessage
		spans      spanList
		errSpans   []gjson.Result
		ratings    gjson.Result
		text       strings.Builder
		textIndex  = -1
		thought    strings.Builder
		thinkIndex = -1
		blocked    string
	)
	flushText := func() {
		if thought.Len() > 0 {
			spans.add(domain.ResponseSpan{Type: domain.SpanThinking, Content: thought.String(), StreamIndex: max(thinkIndex, 0)})
			thought.Reset()
			thinkIndex = -1
		}
		if text.Len() > 0 {
			spans.addText(text.String(), max(textIndex, 0))
			text.Reset()
			textIndex = -1
		}
	}

	for i, chunk := range chunks {
		if e := chunk.Get("error"); e.Exists() {
			errSpans = append(errSpans, e)
			continue
		}
		if m := chunk.Get("modelVersion").String(); m != "" {
			model = m
		}
		if u := chunk.Get("usageMetadata"); u.Exists() {
			in = int(u.Get("promptTokenCount").Int())
			out = int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int())
			usage = rawOf(u)
		}
		if br := chunk.Get("promptFeedback.blockReason").String(); br != "" {
			blocked = br
		}
		cand := chunk.Get("candidates.0")
		if fr := cand.Get("finishReason").String(); fr != "" {
			stopReason = fr
		}
		if r := cand.Get("safetyRatings"); r.IsArray() {
			ratings = r
		}
		for _, part := range cand.Get("content.parts").Array() {
			switch {
			case part.Get("thought").Bool():
				if thinkIndex < 0 {
					thinkIndex = i
				}
				thought.WriteString(part.Get("text").String())
			case part.Get("text").Exists():
				if textIndex < 0 {
					textIndex = i
				}
				text.WriteString(part.Get("text").String())
			case part.Get("functionCall").Exists():
				flushText()
				fc := part.Get("functionCall")
				spans.add(domain.ResponseSpan{
					Type:        domain.SpanToolCall,
					Content:     fc.Get("name").String(),
					StreamIndex: i,
					ToolName:    fc.Get("name").String(),
					ToolCallID:  fc.Get("id").String(),
					ToolInput:   toolInput(fc.Get("args").Raw),
				})
			case part.Get("executableCode").Exists():
				flushText()
				ec := part.Get("executableCode")
				spans.add(domain.ResponseSpan{
					Type:         domain.SpanCodeBlock,
					Content:      ec.Get("code").String(),
					StreamIndex:  i,
					CodeLanguage: strings.ToLower(ec.Get("language").String()),
				})
			case part.Get("codeExecutionResult").Exists():
				flushText()
				cr := part.Get("codeExecutionResult")
				spans.add(domain.ResponseSpan{
					Type:        domain.SpanToolCall,
					Content:     "code_execution",
					ContentJSON: rawOf(cr),
					StreamIndex: i,
					ToolName:    "code_execution",
					ToolOutput:  cr.Get("output").String(),
				})
			}
		}
	}
	flushText()

	if model == "" {
		model = chunksModel(chunks)
	}
	res := ResponseResult{Model: model, StopReason: stopReason, InputTokens: in, OutputTokens: out}
	for _, r := range ratings.Array() {
		spans.add(domain.ResponseSpan{
			Type:        domain.SpanSafetyRating,
			Content:     r.Get("category").String() + "=" + r.Get("probability").String(),
			ContentJSON: rawOf(r),
			TokenCount:  -1,
		})
	}
	if blocked != "" {
		res.ErrorMessage = "prompt blocked: " + blocked
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: res.ErrorMessage})
	}
	for _, e := range errSpans {
		msg := e.Get("message").String()
		if res.ErrorMessage == "" {
			res.ErrorMessage = msg
		}
		spans.add(domain.ResponseSpan{Type: domain.SpanError, Content: msg, ContentJSON: rawOf(e)})
	}
	for i := range spans.items {
		if spans.items[i].TokenCount < 0 {
			spans.items[i].TokenCount = 0
		}
	}
	singleOutputTokens(spans.items, out)
	if in > 0 || out > 0 {
		spans.addUsage(model, in, out, usage)
	}
	res.Spans = spans.items
	res.CostUSD = EstimateCostUSD(model, in, out)
	return res
}

func (geminiExtractor) SetText(payload []byte, c domain.PromptComponent, text string) ([]byte, error) {
	switch {
	case c.Path == "contents":
		return sjson.SetBytes(payload, "contents", text)
	case c.Type == domain.ComponentSystemInstruction:
		return sjson.SetRawBytes(payload, c.Path, geminiTextParts(text))
	case strings.HasPrefix(c.Path, "contents.") && !strings.Contains(c.Path, "["):
		return sjson.SetRawBytes(payload, c.Path+".parts", geminiPartsArray(text))
	}
	return nil, fmt.Errorf("text edit not supported for %s at %q", c.Type, c.Path)
}

type geminiPart struct {
	Text string `json:"text"`
}

func geminiTextParts(text string) []byte {
	out, _ := json.Marshal(struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: []geminiPart{{Text: text}}})
	return out
}

func geminiPartsArray(text string) []byte {
	out, _ := json.Marshal([]geminiPart{{Text: text}})
	return out
}

// geminiModelFromURL extracts the model from ".../models/<model>:<method>".
func geminiModelFromURL(rawURL string) string {
	i := strings.LastIndex(rawURL, "/models/")
	if i < 0 {
		return ""
	}
	rest := rawURL[i+len("/models/"):]
	if j := strings.IndexAny(rest, ":?/"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func chunksModel(chunks []gjson.Result) string {
	for _, c := range chunks {
		if m := c.Get("model").String(); m != "" {
			return strings.TrimPrefix(m, "models/")
		}
	}
	return ""
}

func renderGeminiContents(items []gjson.Result) string {
	lines := make([]string, 0, len(items))
	for _, c := range items {
		role := c.Get("role").String()
		if role == "" {
			role = "user"
		}
		lines = append(lines, role+": "+geminiPartsText(c.Get("parts")))
	}
	return strings.Join(lines, "\n")
}

func geminiPartsText(parts gjson.Result) string {
	var out []string
	for _, p := range parts.Array() {
		switch {
		case p.Get("text").Exists():
			out = append(out, p.Get("text").String())
		case p.Get("functionCall").Exists():
			out = append(out, "[function_call "+p.Get("functionCall.name").String()+"] "+p.Get("functionCall.args").Raw)
		case p.Get("functionResponse").Exists():
			out = append(out, "[function_response "+p.Get("functionResponse.name").String()+"] "+p.Get("functionResponse.response").Raw)
		case p.Get("inlineData").Exists(), p.Get("fileData").Exists():
			out = append(out, "[file]")
		}
	}
	return strings.Join(out, "\n")
}

func geminiFunctionResponseOnly(parts gjson.Result) bool {
	arr := parts.Array()
	if len(arr) == 0 {
		return false
	}
	for _, p := range arr {
		if !p.Get("functionResponse").Exists() {
			return false
		}
	}
	return true
}

func firstKey(obj gjson.Result) string {
	var key string
	obj.ForEach(func(k, _ gjson.Result) bool {
		key = k.String()
		return false
	})
	return key
}
