package ingest

import (
	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/correlate"
	"github.com/felixgeelhaar/agentlens/internal/decompose"
	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// buildRequest decomposes the request side of call.
func buildRequest(call *correlate.Call, key domain.TurnKey) *domain.Interaction {
	env := &call.Envelope
	in := &domain.Interaction{
		Turn:             key,
		Sequence:         domain.SequenceRequest,
		Type:             domain.InteractionRequest,
		RequestID:        call.RequestID,
		Timestamp:        call.Start,
		Method:           env.Method,
		URL:              env.URL,
		Provider:         call.Features.Provider,
		IsLLMInteraction: call.Features.IsLLM,
		Synthetic:        call.Synthetic,
		DecodeError:      env.DecodeError,
		InputFingerprint: call.Features.Fingerprint,
	}
	if in.Provider == "" {
		in.Provider = domain.ProviderUnknown
	}
	if !env.HasRequest() {
		return in
	}

	res := decompose.DecomposeRequest(env.URL, env.Request, in.Provider)
	in.Protocol = res.Protocol
	in.Model = res.Model
	in.Stream = res.Stream
	in.GenerationConfig = res.GenerationConfig
	in.Components = res.Components
	in.RawPayload = env.Request
	in.RawEncoding = capture.Encoding(env.Request)
	return in
}

// buildResponse decomposes the response side of call. It returns nil when
// the call has no response at all.
func buildResponse(call *correlate.Call, req *domain.Interaction) *domain.Interaction {
	raw := call.Envelope.Response
	if raw == nil {
		return nil
	}
	in := &domain.Interaction{
		Turn:                 req.Turn,
		Sequence:             domain.SequenceResponse,
		Type:                 domain.InteractionResponse,
		RequestID:            req.RequestID,
		RequestInteractionID: req.ID,
		Timestamp:            call.End,
		Method:               req.Method,
		URL:                  req.URL,
		Provider:             req.Provider,
		Protocol:             req.Protocol,
		Model:                req.Model,
		Stream:               req.Stream,
		StatusCode:           raw.StatusCode,
		DurationMS:           raw.DurationMS,
		ErrorMessage:         raw.Error,
		IsLLMInteraction:     req.IsLLMInteraction,
		Synthetic:            req.Synthetic,
		Incomplete:           raw.Incomplete,
		DecodeError:          raw.DecodeError,
	}
	if len(raw.Body) == 0 {
		return in
	}

	res := decompose.DecomposeResponse(raw.Body, req.Provider)
	if res.Model != "" {
		in.Model = res.Model
	}
	in.InputTokens = res.InputTokens
	in.OutputTokens = res.OutputTokens
	in.CostUSD = res.CostUSD
	in.StopReason = res.StopReason
	if res.ErrorMessage != "" {
		in.ErrorMessage = res.ErrorMessage
	}
	in.Spans = res.Spans
	in.RawPayload = raw.Body
	in.RawEncoding = capture.Encoding(raw.Body)
	return in
}
