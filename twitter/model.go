package twitter

import (
	"strings"
	"time"

	"github.com/c360/filterstream/rules"
	"github.com/c360/filterstream/stream"
)

// Tweet is a post delivered by the filtered stream. Only id and text are
// always present; the rest depends on the requested tweet.fields.
type Tweet struct {
	ID                 string            `json:"id"`
	Text               string            `json:"text"`
	AuthorID           string            `json:"author_id,omitempty"`
	ConversationID     string            `json:"conversation_id,omitempty"`
	CreatedAt          *time.Time        `json:"created_at,omitempty"`
	Lang               string            `json:"lang,omitempty"`
	Source             string            `json:"source,omitempty"`
	InReplyToUserID    string            `json:"in_reply_to_user_id,omitempty"`
	PossiblySensitive  bool              `json:"possibly_sensitive,omitempty"`
	ReplySettings      string            `json:"reply_settings,omitempty"`
	ReferencedTweets   []ReferencedTweet `json:"referenced_tweets,omitempty"`
	PublicMetrics      *PublicMetrics    `json:"public_metrics,omitempty"`
	Entities           *Entities         `json:"entities,omitempty"`
	Geo                *Geo              `json:"geo,omitempty"`
	EditHistoryTweetID []string          `json:"edit_history_tweet_ids,omitempty"`
}

// ReferencedTweet links a reply, quote or retweet to its origin
type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PublicMetrics are the engagement counters of a tweet
type PublicMetrics struct {
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	LikeCount    int `json:"like_count"`
	QuoteCount   int `json:"quote_count"`
}

// Entities are the parsed parts of the tweet text
type Entities struct {
	Hashtags []Tag     `json:"hashtags,omitempty"`
	Cashtags []Tag     `json:"cashtags,omitempty"`
	Mentions []Mention `json:"mentions,omitempty"`
	URLs     []URL     `json:"urls,omitempty"`
}

// Tag is a hashtag or cashtag
type Tag struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Tag   string `json:"tag"`
}

// Mention is an @username reference
type Mention struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Username string `json:"username"`
	ID       string `json:"id,omitempty"`
}

// URL is a link in the tweet text
type URL struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url,omitempty"`
	DisplayURL  string `json:"display_url,omitempty"`
}

// Geo is the place a tweet was tagged with
type Geo struct {
	PlaceID string `json:"place_id,omitempty"`
}

// problem is the wire form of an API error. Rule endpoints use details
// (a list) where the stream uses detail.
type problem struct {
	Title        string   `json:"title,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	Details      []string `json:"details,omitempty"`
	Type         string   `json:"type,omitempty"`
	Section      string   `json:"section,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	Parameter    string   `json:"parameter,omitempty"`
	Value        any      `json:"value,omitempty"`
	ID           string   `json:"id,omitempty"`
}

func (p problem) detail() string {
	if p.Detail != "" {
		return p.Detail
	}
	return strings.Join(p.Details, "; ")
}

func (p problem) toProblem() stream.Problem {
	return stream.Problem{
		Title:        p.Title,
		Detail:       p.detail(),
		Type:         p.Type,
		Section:      p.Section,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Parameter:    p.Parameter,
		Value:        p.Value,
	}
}

// rulesResponse covers both the lookup and the add/delete responses.
type rulesResponse struct {
	Data   []rules.Rule `json:"data,omitempty"`
	Errors []problem    `json:"errors,omitempty"`
	Meta   struct {
		ResultCount int `json:"result_count,omitempty"`
		Summary     struct {
			Created    int `json:"created"`
			NotCreated int `json:"not_created"`
			Deleted    int `json:"deleted"`
			NotDeleted int `json:"not_deleted"`
		} `json:"summary"`
	} `json:"meta"`
}

type addRulesRequest struct {
	Add []rules.Rule `json:"add"`
}

type deleteRulesRequest struct {
	Delete struct {
		IDs []string `json:"ids"`
	} `json:"delete"`
}

// streamLine is the wire form of one filtered stream line.
type streamLine struct {
	Data          *Tweet         `json:"data,omitempty"`
	Errors        []problem      `json:"errors,omitempty"`
	MatchingRules []matchingRule `json:"matching_rules,omitempty"`
}

type matchingRule struct {
	ID  string `json:"id"`
	Tag string `json:"tag,omitempty"`
}
