// Package file provides an output publisher that writes record batches to a
// local file.
//
// Two formats are supported:
//
//   - jsonl (default): one JSON object per record holding topic, key,
//     timestamp, headers and the tweet JSON as value
//   - raw: the record value alone, one per line
//
// Each batch is encoded up front and written with a single write call, so a
// failed write never leaves half a record behind a good one from the same
// batch. Set Sync to fsync after every batch.
//
// Example configuration:
//
//	output:
//	  type: file
//	  topic: twitter-tweets
//	  file:
//	    path: /var/lib/filterstream/tweets.jsonl
//	    append: true
//
// The parent directory is created when missing. With append disabled the
// file is truncated on open.
package file
