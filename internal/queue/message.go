// Copyright 2025 Lumenworks
package queue

import "encoding/json"

// Message is the wire format of one enqueued generation job.
type Message struct {
	JobID       string `json:"job_id"`
	Prompt      string `json:"prompt"`
	UserNumber  int    `json:"user_number"`
	DisplayName string `json:"display_name"`
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
}

func (m Message) Marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalMessage(s string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(s), &m)
	return m, err
}
