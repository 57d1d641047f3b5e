package decompose

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

var fencedCode = regexp.MustCompile("(?ms)^[ \\t]*```([A-Za-z0-9_+#.-]*)[^\\n]*\\n(.*?)^[ \\t]*```")

type codeBlock struct {
	Language string
	Code     string
}

// findCodeBlocks returns fenced code blocks in document order.
func findCodeBlocks(text string) []codeBlock {
	matches := fencedCode.FindAllStringSubmatch(text, -1)
	blocks := make([]codeBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, codeBlock{Language: strings.ToLower(m[1]), Code: m[2]})
	}
	return blocks
}

// rawArray joins raw JSON values into a JSON array without re-encoding them.
func rawArray(values []gjson.Result) json.RawMessage {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(v.Raw)
	}
	b.WriteByte(']')
	return json.RawMessage(b.String())
}

// rawOf returns the raw bytes of a gjson value, or nil when it is missing.
func rawOf(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// rangePath renders a half-open array range path.
func rangePath(field string, start, end int) string {
	return field + "[" + strconv.Itoa(start) + ":" + strconv.Itoa(end) + "]"
}

// ParseRange splits "messages[1:4]" into its field and bounds.
func ParseRange(path string) (field string, start, end int, ok bool) {
	open := strings.LastIndexByte(path, '[')
	if open <= 0 || !strings.HasSuffix(path, "]") {
		return "", 0, 0, false
	}
	bounds := path[open+1 : len(path)-1]
	lo, hi, found := strings.Cut(bounds, ":")
	if !found {
		return "", 0, 0, false
	}
	var err error
	if start, err = strconv.Atoi(lo); err != nil {
		return "", 0, 0, false
	}
	if end, err = strconv.Atoi(hi); err != nil || end < start {
		return "", 0, 0, false
	}
	return path[:open], start, end, true
}

// collectConfig copies the listed top-level fields, in list order, into a
// single JSON object.
func collectConfig(root gjson.Result, fields []string) json.RawMessage {
	out := []byte("{}")
	n := 0
	for _, f := range fields {
		v := root.Get(f)
		if !v.Exists() {
			continue
		}
		next, err := sjson.SetRawBytes(out, f, []byte(v.Raw))
		if err != nil {
			continue
		}
		out = next
		n++
	}
	if n == 0 {
		return nil
	}
	return json.RawMessage(out)
}

type componentList struct {
	items []domain.PromptComponent
}

func (l *componentList) add(c domain.PromptComponent) {
	c.OrderIndex = len(l.items)
	if c.TokenCount == 0 {
		c.TokenCount = EstimateTokens(c.Content)
	}
	l.items = append(l.items, c)
}

// addExtras appends few-shot examples and free-form context, which several
// formats share under the same field names.
func (l *componentList) addExtras(root gjson.Result) {
	for i, ex := range root.Get("examples").Array() {
		content := ex.String()
		if ex.IsObject() {
			parts := []string{}
			if in := ex.Get("input"); in.Exists() {
				parts = append(parts, "input: "+plainText(in))
			}
			if out := ex.Get("output"); out.Exists() {
				parts = append(parts, "output: "+plainText(out))
			}
			content = strings.Join(parts, "\n")
		}
		l.add(domain.PromptComponent{
			Type:        domain.ComponentExample,
			Content:     content,
			ContentJSON: rawOf(ex),
			Source:      "examples",
			Path:        "examples." + strconv.Itoa(i),
		})
	}
	if ctx := root.Get("context"); ctx.Exists() && ctx.String() != "" {
		l.add(domain.PromptComponent{
			Type:        domain.ComponentContext,
			Content:     plainText(ctx),
			ContentJSON: rawOf(ctx),
			Source:      "context",
			Path:        "context",
		})
	}
}

// plainText renders a JSON value as readable text: strings verbatim,
// objects with a "text"/"content" member by that member, arrays joined.
func plainText(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		parts := make([]string, 0, len(v.Array()))
		for _, el := range v.Array() {
			if s := plainText(el); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case v.IsObject():
		for _, key := range []string{"text", "content", "parts"} {
			if inner := v.Get(key); inner.Exists() {
				return plainText(inner)
			}
		}
		return v.Raw
	case !v.Exists():
		return ""
	default:
		return v.String()
	}
}

type spanList struct {
	items []domain.ResponseSpan
}

func (l *spanList) add(s domain.ResponseSpan) {
	s.OrderIndex = len(l.items)
	if s.TokenCount == 0 {
		s.TokenCount = EstimateTokens(s.Content)
	}
	l.items = append(l.items, s)
}

// addText appends a text span followed by one code_block span per fenced
// block found inside it.
func (l *spanList) addText(text string, streamIndex int) {
	if text == "" {
		return
	}
	l.add(domain.ResponseSpan{Type: domain.SpanText, Content: text, StreamIndex: streamIndex})
	for _, cb := range findCodeBlocks(text) {
		l.add(domain.ResponseSpan{
			Type:         domain.SpanCodeBlock,
			Content:      cb.Code,
			StreamIndex:  streamIndex,
			CodeLanguage: cb.Language,
		})
	}
}

func (l *spanList) addUsage(model string, in, out int, extra json.RawMessage) {
	usage := map[string]any{
		"input_tokens":  in,
		"output_tokens": out,
		"total_tokens":  in + out,
		"cost_usd":      EstimateCostUSD(model, in, out),
	}
	if len(extra) > 0 {
		usage["provider_usage"] = extra
	}
	// encoding/json sorts map keys, which keeps the output stable
	data, _ := json.Marshal(usage)
	l.add(domain.ResponseSpan{
		Type:        domain.SpanUsageMetadata,
		Content:     "input=" + strconv.Itoa(in) + " output=" + strconv.Itoa(out),
		ContentJSON: data,
		TokenCount:  in + out,
	})
}

// toolInput normalizes tool arguments to valid JSON. Arguments that do not
// parse (for example a truncated stream) are kept as a JSON string.
func toolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// singleOutputTokens credits provider-reported output tokens to the only
// text span, if there is exactly one.
func singleOutputTokens(spans []domain.ResponseSpan, out int) {
	if out <= 0 {
		return
	}
	idx := -1
	for i, s := range spans {
		if s.Type == domain.SpanText {
			if idx >= 0 {
				return
			}
			idx = i
		}
	}
	if idx >= 0 {
		spans[idx].TokenCount = out
	}
}
