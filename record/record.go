// Package record maps stream events onto the records handed to publishers.
package record

import (
	"encoding/json"
	"time"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/twitter"
)

// Header names set on every tweet record
const (
	HeaderTweetID  = "tweet_id"
	HeaderAuthorID = "author_id"
	HeaderLang     = "lang"
)

// Header is one record header
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is one unit of downstream output. Key drives partitioning; tweets
// of one conversation share a key.
type Record struct {
	Topic     string    `json:"topic"`
	Key       string    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Headers   []Header  `json:"headers,omitempty"`
}

// Header returns the value of the named header, or "" when absent.
func (r Record) Header(key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Mapper converts tweets into records for one topic.
type Mapper struct {
	topic string
	now   func() time.Time
}

// NewMapper creates a mapper that stamps records without created_at using
// the wall clock.
func NewMapper(topic string) *Mapper {
	return &Mapper{topic: topic, now: time.Now}
}

// FromTweet builds the record for a tweet. The key is the conversation ID
// and the value is the tweet as JSON.
func (m *Mapper) FromTweet(t twitter.Tweet) (Record, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return Record{}, errors.WrapInvalid(err, "Mapper", "FromTweet", "encode tweet")
	}

	ts := m.now().UTC()
	if t.CreatedAt != nil && !t.CreatedAt.IsZero() {
		ts = t.CreatedAt.UTC()
	}

	headers := []Header{{Key: HeaderTweetID, Value: t.ID}}
	if t.AuthorID != "" {
		headers = append(headers, Header{Key: HeaderAuthorID, Value: t.AuthorID})
	}
	if t.Lang != "" {
		headers = append(headers, Header{Key: HeaderLang, Value: t.Lang})
	}

	return Record{
		Topic:     m.topic,
		Key:       t.ConversationID,
		Value:     value,
		Timestamp: ts,
		Headers:   headers,
	}, nil
}
