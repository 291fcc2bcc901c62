// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package stealth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Payload kinds.
const (
	PayloadMessage = "message"
	PayloadFile    = "file"
)

const (
	// MaxMessageLength is the largest text message accepted for sending
	MaxMessageLength = 250

	payloadVersion = "1"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	ErrMessageNul     = errors.New("message contains NUL characters")
)

// Payload is the structured plaintext carried inside announcement metadata.
// The cipher is agnostic to it; senders and scanners agree on this shape.
type Payload struct {
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Version   string `json:"version,omitempty"`

	// File references point at content delivered out of band.
	TopicID  string `json:"topicId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// NewTextPayload validates text and wraps it as a message payload.
func NewTextPayload(text string, timestamp int64) (*Payload, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}
	return &Payload{Type: PayloadMessage, Text: text, Timestamp: timestamp, Version: payloadVersion}, nil
}

// NewFilePayload describes a file published elsewhere, e.g. on a topic.
func NewFilePayload(topicID, fileName, mimeType string, size int64, timestamp int64) (*Payload, error) {
	if topicID == "" || fileName == "" {
		return nil, errors.New("file payload needs a topic id and a file name")
	}
	if size < 0 {
		return nil, fmt.Errorf("negative file size %d", size)
	}
	return &Payload{
		Type:      PayloadFile,
		TopicID:   topicID,
		FileName:  fileName,
		MimeType:  mimeType,
		Size:      size,
		Timestamp: timestamp,
		Version:   payloadVersion,
	}, nil
}

// Encode serializes the payload as JSON.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload interprets decrypted plaintext. JSON objects are decoded as a
// Payload; anything else is treated as a plain text message.
func DecodePayload(plaintext []byte) *Payload {
	trimmed := strings.TrimSpace(string(plaintext))
	if strings.HasPrefix(trimmed, "{") {
		var p Payload
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil {
			if p.Type == "" {
				p.Type = PayloadMessage
			}
			return &p
		}
	}
	return &Payload{Type: PayloadMessage, Text: string(plaintext)}
}

// IsFile reports whether the payload references a file.
func (p *Payload) IsFile() bool {
	return p.Type == PayloadFile
}

// DisplayText returns a one-line rendering for inbox listings.
func (p *Payload) DisplayText() string {
	if p.IsFile() {
		return fmt.Sprintf("[file] %s (%d bytes)", p.FileName, p.Size)
	}
	return p.Text
}

// ValidateText checks a message before it is encrypted.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if strings.ContainsRune(text, 0) {
		return ErrMessageNul
	}
	return nil
}
