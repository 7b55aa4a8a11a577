// Package config loads the connector configuration.
//
// Values are layered: defaults, then a YAML or JSON file (chosen by
// extension), then environment variables prefixed FILTERSTREAM_, for
// example FILTERSTREAM_TWITTER_BEARER_TOKEN or FILTERSTREAM_OUTPUT_TYPE.
// The result is checked with go-playground/validator struct tags plus a
// rule requiring the settings of the selected output.
//
// Keyword and field lists accept a comma separated string or a list:
//
//	twitter:
//	  bearer_token: ${TOKEN}
//	  filter_keywords: "golang, nats"
//	  tweet_fields: [created_at, lang, author_id, conversation_id]
//	output:
//	  type: kafka
//	  topic: twitter-tweets
//	  kafka:
//	    brokers: [localhost:9092]
package config
