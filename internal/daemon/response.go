package daemon

import (
	"encoding/json"
	"io"
	"log/slog"
)

type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     interface{}       `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data interface{}) {
	r.Data = data
}

func (r *Response) ToJSON() string {
	if r.Messages == nil {
		// The messages key is how clients tell the final response apart
		// from streamed progress lines, so it must always be present.
		r.Messages = []ResponseMessage{}
	}
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case "INFO":
			slog.Info(message.Message)
		case "WARN":
			slog.Warn(message.Message)
		case "ERROR":
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}

// StreamingResponse writes progress messages to the client as newline-delimited
// JSON while a long-running command is still in flight. The handler finishes
// by sending a regular Response on the same connection.
type StreamingResponse struct {
	w io.Writer
}

func NewStreamingResponse(w io.Writer) *StreamingResponse {
	return &StreamingResponse{w: w}
}

// WriteMessage sends a single progress message as one JSON line.
func (s *StreamingResponse) WriteMessage(message string, status string) error {
	bytes, err := json.Marshal(ResponseMessage{Message: message, Status: status})
	if err != nil {
		return err
	}
	bytes = append(bytes, '\n')
	_, err = s.w.Write(bytes)
	return err
}
