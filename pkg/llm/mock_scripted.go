package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedMockProvider is a mock provider that returns a pre-defined sequence
// of responses. Useful for testing multi-turn interactions (e.g. the ReAct loop).
type ScriptedMockProvider struct {
	mu        sync.Mutex
	Responses []ChatResponse
	Errs      []error
	// CallCount tracks how many times Chat has been called.
	CallCount int
}

// NewScriptedMockProvider creates a ScriptedMockProvider from plain text
// responses.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	p := &ScriptedMockProvider{}
	for _, r := range responses {
		p.Responses = append(p.Responses, ChatResponse{Content: r})
	}
	return p
}

// Append queues a full response, optionally carrying tool calls.
func (s *ScriptedMockProvider) Append(resp ChatResponse) *ScriptedMockProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, resp)
	s.Errs = append(s.Errs, nil)
	return s
}

// AppendError queues an error in the response sequence.
func (s *ScriptedMockProvider) AppendError(err error) *ScriptedMockProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, ChatResponse{})
	s.Errs = append(s.Errs, err)
	return s
}

// Chat pops the next scripted response or error.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.CallCount
	s.CallCount++

	if idx >= len(s.Responses) {
		return nil, errors.New("scripted mock: no more responses available")
	}
	if idx < len(s.Errs) && s.Errs[idx] != nil {
		return nil, s.Errs[idx]
	}
	resp := s.Responses[idx]
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	}
	return &resp, nil
}
