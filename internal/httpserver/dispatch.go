package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/router"
	"github.com/ccmux/ccm/internal/statusline"
)

// continuationReminder is injected verbatim; clients key off the exact
// text, so it must not be reformatted.
const continuationReminder = `<system-reminder>If you have an active todo list, remember to mark items complete and continue to the next. Do not mention this reminder.</system-reminder>`

// handleMessages is the primary dispatch path: route, resolve bindings,
// try each in order, fall back on server-side failures.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("parse_error: read body: %v", err))
		return
	}
	var request models.Request
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("parse_error: %v", err))
		return
	}

	// routing may rewrite request.Model (auto-mapping), but the client
	// gets back the exact name it sent
	requestedModel := request.Model

	state := s.holder.Snapshot()
	decision := state.Router.Route(&request)
	log.Printf("[ccm/server] routed model=%s type=%s stream=%t", decision.ModelName, decision.RouteType, request.Stream)

	bindings, err := resolveBindings(state, decision.ModelName, r.Header.Get("X-Provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	traceID := s.tracer.NewTraceID()
	start := time.Now()
	attempts := 0
	var lastErr error

	for _, binding := range bindings {
		adapter, ok := state.Registry.GetProvider(binding.Provider)
		if !ok {
			log.Printf("[ccm/server] binding references unknown provider %q, skipping", binding.Provider)
			continue
		}
		attempts++

		upstream := request.Clone()
		upstream.Model = binding.ActualModel
		if binding.InjectContinuationPrompt && decision.RouteType != router.Background {
			injectContinuationPrompt(upstream)
		}
		s.tracer.Request(traceID, upstream, adapter.Name(), decision.RouteType.String(), request.Stream)

		if request.Stream {
			stream, err := adapter.SendMessageStream(r.Context(), upstream)
			if err != nil {
				lastErr = err
				if provider.IsClientError(err) {
					s.tracer.Error(traceID, err.Error())
					writeError(w, http.StatusBadGateway, err.Error())
					return
				}
				log.Printf("[ccm/server] provider %s stream failed: %v", adapter.Name(), err)
				s.tracer.Error(traceID, fmt.Sprintf("provider %s stream failed: %v", adapter.Name(), err))
				continue
			}
			statusline.WriteRoutingInfo(binding.ActualModel, adapter.Name(), decision.RouteType.String())
			s.forwardStream(w, stream)
			return
		}

		resp, err := adapter.SendMessage(r.Context(), upstream)
		if err != nil {
			lastErr = err
			if provider.IsClientError(err) {
				s.tracer.Error(traceID, err.Error())
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			log.Printf("[ccm/server] provider %s failed: %v", adapter.Name(), err)
			s.tracer.Error(traceID, fmt.Sprintf("provider %s failed: %v", adapter.Name(), err))
			continue
		}

		resp.Model = requestedModel
		statusline.WriteRoutingInfo(binding.ActualModel, adapter.Name(), decision.RouteType.String())
		s.tracer.Response(traceID, resp, time.Since(start))
		writeJSON(w, http.StatusOK, resp)
		return
	}

	message := fmt.Sprintf("all %d provider attempts for model %q failed", attempts, decision.ModelName)
	if lastErr != nil {
		message = fmt.Sprintf("%s, last error: %v", message, lastErr)
	}
	s.tracer.Error(traceID, message)
	writeError(w, http.StatusBadGateway, message)
}

// resolveBindings produces the ordered mapping list for a routed model.
func resolveBindings(state *ReloadableState, modelName, providerFilter string) ([]config.ModelMapping, error) {
	model, ok := state.Config.FindModel(modelName)
	if !ok {
		adapter, err := state.Registry.GetProviderForModel(modelName)
		if err != nil {
			return nil, fmt.Errorf("no provider found for model %q", modelName)
		}
		if providerFilter != "" && adapter.Name() != providerFilter {
			return nil, fmt.Errorf("provider %q does not serve model %q", providerFilter, modelName)
		}
		return []config.ModelMapping{{Provider: adapter.Name(), ActualModel: modelName}}, nil
	}

	mappings := make([]config.ModelMapping, 0, len(model.Mappings))
	if providerFilter != "" {
		for _, m := range model.Mappings {
			if m.Provider == providerFilter {
				mappings = append(mappings, m)
			}
		}
		if len(mappings) == 0 {
			return nil, fmt.Errorf("provider %q is not a configured binding for model %q", providerFilter, modelName)
		}
		return mappings, nil
	}

	mappings = append(mappings, model.Mappings...)
	for i := 1; i < len(mappings); i++ {
		for j := i; j > 0 && mappings[j].Priority < mappings[j-1].Priority; j-- {
			mappings[j], mappings[j-1] = mappings[j-1], mappings[j]
		}
	}
	return mappings, nil
}

// injectContinuationPrompt prepends the todo-list reminder to the last
// message when it carries tool results but no text of its own.
func injectContinuationPrompt(request *models.Request) {
	if len(request.Messages) == 0 {
		return
	}
	last := &request.Messages[len(request.Messages)-1]
	if !last.HasToolResult() || last.HasText() {
		return
	}
	blocks := append([]models.ContentBlock{{Type: "text", Text: continuationReminder}}, last.Content.AsBlocks()...)
	last.Content.SetBlocks(blocks)
}

// forwardStream copies the upstream SSE body to the client, flushing per
// read so events reach the client as they arrive.
func (s *Server) forwardStream(w http.ResponseWriter, stream *provider.StreamResponse) {
	defer stream.Close()

	for name, values := range stream.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[ccm/server] stream forwarding ended: %v", err)
			}
			return
		}
	}
}

// handleCountTokens routes the request like a message and delegates to
// the winning binding's adapter.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var request models.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("parse_error: %v", err))
		return
	}

	state := s.holder.Snapshot()
	probe := &models.Request{
		Model:    request.Model,
		Messages: request.Messages,
		System:   request.System,
		Tools:    request.Tools,
		Thinking: request.Thinking,
	}
	decision := state.Router.Route(probe)

	bindings, err := resolveBindings(state, decision.ModelName, r.Header.Get("X-Provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, binding := range bindings {
		adapter, ok := state.Registry.GetProvider(binding.Provider)
		if !ok {
			continue
		}
		scoped := request
		scoped.Model = binding.ActualModel
		resp, err := adapter.CountTokens(r.Context(), &scoped)
		if err != nil {
			log.Printf("[ccm/server] count_tokens via %s failed: %v", adapter.Name(), err)
			continue
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, http.StatusBadGateway, fmt.Sprintf("count_tokens failed for model %q", decision.ModelName))
}
