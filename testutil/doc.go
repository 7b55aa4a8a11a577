// Package testutil provides test doubles for the remote filtered stream API.
//
// # FakeTwitterAPI
//
// FakeTwitterAPI is an httptest server that speaks the rules and stream
// endpoints well enough for the rule reconciler, the stream session and the
// source task to run against it end to end. It checks the bearer token on
// every request and records each request for later assertions.
//
// Rules:
//   - SetRules seeds the active rule set, Rules returns it
//   - RejectAdds and RejectDeletes answer change requests with problems
//   - DropAdds accepts additions but reports none created
//
// Stream:
//   - SetStream scripts the lines served on connect, optionally holding the
//     connection open after the last line until Close
//   - FailStream answers the stream endpoint with a fixed status and body
//
// Failures:
//   - FailNext makes the next n requests fail with the given status
//
// # Line helpers
//
// TweetLine, ErrorLine and JoinLines build stream lines in wire form:
//
//	api := testutil.NewFakeTwitterAPI(t, "token")
//	api.SetRules(testutil.FakeRule{Value: "old"})
//	api.SetStream(false,
//	    testutil.TweetLine("1", "hello"),
//	    testutil.ErrorLine("server shutting down"),
//	)
//
//	// ... run the code under test against api.URL()
//
//	assert.Equal(t, 1, api.RequestCount(http.MethodGet, testutil.StreamPath))
//
// The server is closed on test cleanup. All methods are safe for concurrent
// use.
package testutil
