package streaming

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

type capturedEvent struct {
	event   string
	payload map[string]any
}

func collect(model string) (*Transformer, *[]capturedEvent) {
	events := &[]capturedEvent{}
	t := NewTransformer(model, func(event string, payload any) {
		raw, _ := json.Marshal(payload)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		*events = append(*events, capturedEvent{event: event, payload: m})
	})
	return t, events
}

func eventNames(events []capturedEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.event
	}
	return names
}

func TestToolOnlyStreamBlockIndices(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`{"model":"gpt-4o","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"get_w","arguments":""}}]}}]}`)
	tr.HandleData(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"loc"}}]}}]}`)
	tr.HandleData(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\":\"SF\"}"}}]},"finish_reason":"tool_calls"}]}`)
	tr.HandleData(`[DONE]`)

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventNames(*events)
	if len(got) != len(want) {
		t.Fatalf("event sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	start := (*events)[1].payload
	if start["index"].(float64) != 1 {
		t.Fatalf("tool block index = %v, want 1", start["index"])
	}
	block := start["content_block"].(map[string]any)
	if block["id"] != "call_x" || block["name"] != "get_w" {
		t.Fatalf("content_block = %v", block)
	}

	d1 := (*events)[2].payload["delta"].(map[string]any)
	d2 := (*events)[3].payload["delta"].(map[string]any)
	if d1["type"] != "input_json_delta" || d1["partial_json"] != `{"loc` {
		t.Fatalf("first delta = %v", d1)
	}
	if d2["partial_json"] != `":"SF"}` {
		t.Fatalf("second delta = %v", d2)
	}

	md := (*events)[5].payload["delta"].(map[string]any)
	if md["stop_reason"] != "tool_use" {
		t.Fatalf("stop_reason = %v", md["stop_reason"])
	}
}

func TestTextThenToolOrdering(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`{"choices":[{"delta":{"content":"Let me check."}}]}`)
	tr.HandleData(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{}"}}]}}]}`)
	tr.HandleData(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)

	want := []string{
		"message_start",
		"content_block_start", // text, index 0
		"content_block_delta",
		"content_block_stop", // text closed before tool opens
		"content_block_start", // tool, index 1
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventNames(*events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("sequence %v, want %v", got, want)
	}
	if (*events)[1].payload["index"].(float64) != 0 {
		t.Fatalf("text block index = %v", (*events)[1].payload["index"])
	}
	if (*events)[4].payload["index"].(float64) != 1 {
		t.Fatalf("tool block index = %v", (*events)[4].payload["index"])
	}
}

func TestArgumentDeltaForUnseenIndexDropped(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`{"choices":[{"delta":{"tool_calls":[{"index":3,"function":{"arguments":"{\"x\":1}"}}]}}]}`)
	for _, e := range *events {
		if e.event == "content_block_start" || e.event == "content_block_delta" {
			t.Fatalf("block event emitted for tool call without id/name: %v", e)
		}
	}
}

func TestFinishSynthesizesTermination(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`{"choices":[{"delta":{"content":"partial"}}]}`)
	tr.Finish()

	got := eventNames(*events)
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("sequence %v, want %v", got, want)
	}
	md := (*events)[4].payload["delta"].(map[string]any)
	if md["stop_reason"] != "end_turn" {
		t.Fatalf("synthesized stop_reason = %v", md["stop_reason"])
	}
	// a second Finish must not duplicate termination
	tr.Finish()
	if len(*events) != len(want) {
		t.Fatalf("Finish not idempotent: %v", eventNames(*events))
	}
}

func TestFinishWithoutMessageStartIsSilent(t *testing.T) {
	tr, events := collect("m")
	tr.Finish()
	if len(*events) != 0 {
		t.Fatalf("events emitted for empty stream: %v", eventNames(*events))
	}
}

func TestReasoningDeltaTreatedAsText(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`{"choices":[{"delta":{"reasoning":"thinking out loud"}}]}`)
	found := false
	for _, e := range *events {
		if e.event != "content_block_delta" {
			continue
		}
		d := e.payload["delta"].(map[string]any)
		if d["type"] == "text_delta" && d["text"] == "thinking out loud" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasoning delta not forwarded as text: %v", eventNames(*events))
	}
}

func TestMessageStartModelFallback(t *testing.T) {
	tr, events := collect("logical-model")
	tr.HandleData(`{"choices":[{"delta":{"content":"hi"}}]}`)
	msg := (*events)[0].payload["message"].(map[string]any)
	if msg["model"] != "logical-model" {
		t.Fatalf("model = %v, want logical-model", msg["model"])
	}
}

func TestPipeEndToEnd(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		"",
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	out := Pipe(io.NopCloser(strings.NewReader(upstream)), "m")
	raw, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	events := ParseEvents(string(raw))
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("sequence %v, want %v", names, want)
	}
	var stop struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(events[5].Data), &stop); err != nil {
		t.Fatalf("message_delta: %v", err)
	}
	if stop.Delta.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q", stop.Delta.StopReason)
	}
}

func TestParseEvents(t *testing.T) {
	input := "event: ping\ndata: {}\n\ndata: one\ndata: two\n\n: comment only\n\ndata: last"
	events := ParseEvents(input)
	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Event != "ping" || events[0].Data != "{}" {
		t.Fatalf("event 0: %+v", events[0])
	}
	if events[1].Data != "one\ntwo" {
		t.Fatalf("multi-line data not joined: %q", events[1].Data)
	}
	if events[2].Data != "last" {
		t.Fatalf("unterminated final event lost: %+v", events[2])
	}
}

func TestUnparseableChunkSkipped(t *testing.T) {
	tr, events := collect("m")
	tr.HandleData(`not json at all`)
	tr.HandleData(`{"choices":[{"delta":{"content":"still works"}}]}`)
	if len(*events) < 2 {
		t.Fatalf("stream did not recover after bad chunk: %v", eventNames(*events))
	}
}
