// Package protocol defines the WebSocket message types shared by stream clients and the uplink.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-tdoa/internal/doa"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Device → client messages
	TypeDOA   MessageType = "doa"   // Direction estimate for one block
	TypeStats MessageType = "stats" // Tracker statistics
	TypeError MessageType = "error" // Request could not be handled

	// Client → device messages
	TypeGetStats MessageType = "get_stats"
	TypeConfig   MessageType = "config" // Estimator settings update

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// DOAData is the wire form of one tracker result
type DOAData struct {
	Status        doa.Status `json:"status"`
	Angle         *float64   `json:"angle"` // nil unless status is ok
	SmoothedAngle float64    `json:"smoothed_angle"`
	Side          doa.Side   `json:"side,omitempty"`
	TDOAMicros    float64    `json:"tdoa_us"`
	Peak          float64    `json:"peak"`
	Confidence    float64    `json:"confidence"`
	Method        string     `json:"method"`
	Message       string     `json:"message,omitempty"`
	Sequence      uint64     `json:"seq"`
}

// NewDOAData converts a tracker result
func NewDOAData(r doa.Result) DOAData {
	data := DOAData{
		Status:        r.Status,
		SmoothedAngle: r.SmoothedAngle,
		Side:          r.Side,
		TDOAMicros:    r.TDOAMicros,
		Peak:          r.Peak,
		Confidence:    r.Confidence,
		Method:        r.Method,
		Message:       r.Message,
		Sequence:      r.Sequence,
	}
	if r.Valid() {
		angle := r.Angle
		data.Angle = &angle
	}
	return data
}

// NewDOAMessage creates a DOA message
func NewDOAMessage(r doa.Result) (*Message, error) {
	msg, err := NewMessage(TypeDOA, NewDOAData(r))
	if err != nil {
		return nil, err
	}
	if !r.Timestamp.IsZero() {
		msg.Timestamp = r.Timestamp.UnixMilli()
	}
	return msg, nil
}

// GetDOAData extracts DOA data from a message
func (m *Message) GetDOAData() (*DOAData, error) {
	var data DOAData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ErrorData describes a rejected request
type ErrorData struct {
	Error string `json:"error"`
}

// NewErrorMessage creates an error message
func NewErrorMessage(err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Error: err.Error()})
}

// ConfigUpdate contains estimator changes. Nil fields are left as they are.
type ConfigUpdate struct {
	Method *string `json:"method,omitempty"`
	Refine *bool   `json:"refine,omitempty"`
	Window *bool   `json:"window,omitempty"`
}

// GetConfigUpdate extracts config update from a message
func (m *Message) GetConfigUpdate() (*ConfigUpdate, error) {
	var data ConfigUpdate
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
