package daemon

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestResponseToJSONAlwaysIncludesMessages(t *testing.T) {
	var response Response

	jsonStr := response.ToJSON()
	if !strings.Contains(jsonStr, `"messages":[]`) {
		t.Errorf("Expected empty messages array in JSON, got %s", jsonStr)
	}
}

func TestResponseAddMessage(t *testing.T) {
	var response Response
	response.AddMessage("first", "INFO")
	response.AddMessage("second", "ERROR")

	if len(response.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(response.Messages))
	}
	if response.Messages[0].Message != "first" || response.Messages[0].Status != "INFO" {
		t.Errorf("Unexpected first message: %+v", response.Messages[0])
	}
	if response.Messages[1].Status != "ERROR" {
		t.Errorf("Unexpected second message status: %+v", response.Messages[1])
	}
}

func TestResponseAddData(t *testing.T) {
	var response Response
	response.AddData(map[string]string{"endpoint": "/run/broker.sock"})

	jsonStr := response.ToJSON()
	if !strings.Contains(jsonStr, `"endpoint":"/run/broker.sock"`) {
		t.Errorf("Expected data payload in JSON, got %s", jsonStr)
	}
}

func TestResponseOmitsEmptyData(t *testing.T) {
	var response Response
	response.AddMessage("hello", "INFO")

	jsonStr := response.ToJSON()
	if strings.Contains(jsonStr, `"data"`) {
		t.Errorf("Expected data key omitted when unset, got %s", jsonStr)
	}
}

func TestStreamingResponseWritesOneJSONLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	stream := NewStreamingResponse(&buf)

	if err := stream.WriteMessage("working on it", "INFO"); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := stream.WriteMessage("still going", "WARN"); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var msg ResponseMessage
	if err := json.Unmarshal([]byte(lines[0]), &msg); err != nil {
		t.Fatalf("First line is not valid JSON: %v", err)
	}
	if msg.Message != "working on it" || msg.Status != "INFO" {
		t.Errorf("Unexpected first message: %+v", msg)
	}
}

func TestStreamingMessageHasNoMessagesKey(t *testing.T) {
	// Clients tell progress lines and final responses apart by the
	// presence of the messages key, so a streamed line must never have one.
	var buf bytes.Buffer
	stream := NewStreamingResponse(&buf)
	stream.WriteMessage("progress", "INFO")

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &probe); err != nil {
		t.Fatalf("Streamed line is not valid JSON: %v", err)
	}
	if _, ok := probe["messages"]; ok {
		t.Error("Streamed progress line must not contain a messages key")
	}
}
