// Package source supplies raw inbound chat messages to the ingestion stage.
package source

import (
	"context"
	"regexp"
	"strings"
)

const (
	UnknownContact = "unknown_contact"
	UnknownTime    = "unknown_time"
)

// Message is one inbound chat message. Either Contact and Timestamp are set
// directly, or Metadata carries the chat surface's pre-formatted prefix
// (for example "[10:00, 1/1/2024] Alice: ") and they are derived from it.
type Message struct {
	Contact   string `json:"contact"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Metadata  string `json:"metadata,omitempty"`
}

// Source yields batches of messages. Messages may repeat across calls; the
// ingestion stage deduplicates them.
type Source interface {
	Fetch(ctx context.Context) ([]Message, error)
}

var (
	contactPattern   = regexp.MustCompile(`\] (.+?):`)
	timestampPattern = regexp.MustCompile(`\[(.*?)\]`)
)

// ParseMetadata extracts the contact and timestamp from a metadata prefix.
// Missing parts come back as UnknownContact and UnknownTime.
func ParseMetadata(metadata string) (contact, timestamp string) {
	contact, timestamp = UnknownContact, UnknownTime
	if m := contactPattern.FindStringSubmatch(metadata); m != nil {
		contact = m[1]
	}
	if m := timestampPattern.FindStringSubmatch(metadata); m != nil {
		timestamp = m[1]
	}
	return contact, timestamp
}

// Normalize fills Contact and Timestamp from Metadata when they are empty
// and trims surrounding whitespace from the text.
func Normalize(m Message) Message {
	if m.Contact == "" || m.Timestamp == "" {
		contact, ts := ParseMetadata(m.Metadata)
		if m.Contact == "" {
			m.Contact = contact
		}
		if m.Timestamp == "" {
			m.Timestamp = ts
		}
	}
	m.Text = strings.TrimSpace(m.Text)
	return m
}
