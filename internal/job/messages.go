package job

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/weather-station-images/internal/weather"
)

var validate = validator.New()

// TaskMessage asks a worker to render one station's image.
type TaskMessage struct {
	JobID       string         `json:"jobId" validate:"required"`
	WeatherData weather.Record `json:"weatherData"`
	TotalImages int            `json:"totalImages" validate:"gt=0"`
	// ImageIndex is informational; completion order is unrelated to it.
	ImageIndex int `json:"imageIndex" validate:"gte=0"`
}

// CompletionMessage reports one finished task back to the coordinator.
type CompletionMessage struct {
	JobID           string   `json:"jobId" validate:"required"`
	ImageURLs       []string `json:"imageUrls" validate:"required,min=1,dive,required"`
	TotalImages     int      `json:"totalImages" validate:"gte=0"`
	CompletedImages int      `json:"completedImages,omitempty" validate:"gte=0"`
}

// Report converts the message into a CompletionReport. A missing
// completedImages counts as one.
func (m CompletionMessage) Report() CompletionReport {
	n := m.CompletedImages
	if n == 0 {
		n = 1
	}
	urls := make([]string, len(m.ImageURLs))
	copy(urls, m.ImageURLs)
	return CompletionReport{
		JobID:           m.JobID,
		ImageURLs:       urls,
		CompletedImages: n,
	}
}

func EncodeTask(m TaskMessage) ([]byte, error) {
	return json.Marshal(m)
}

func EncodeCompletion(m CompletionMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTask parses and validates a task message. Every failure wraps
// ErrDeserialization.
func DecodeTask(raw []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := decodeMessage(raw, &m); err != nil {
		return TaskMessage{}, err
	}
	return m, nil
}

// DecodeCompletion parses and validates a completion message. Every failure
// wraps ErrDeserialization.
func DecodeCompletion(raw []byte) (CompletionMessage, error) {
	var m CompletionMessage
	if err := decodeMessage(raw, &m); err != nil {
		return CompletionMessage{}, err
	}
	return m, nil
}

// decodeMessage accepts plain JSON or base64-wrapped JSON.
func decodeMessage(raw []byte, dst any) error {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrDeserialization)
	}
	if body[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return fmt.Errorf("%w: neither json nor base64: %v", ErrDeserialization, err)
		}
		body = bytes.TrimSpace(decoded)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return nil
}
