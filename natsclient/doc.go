// Package natsclient wraps the NATS Go client with a circuit breaker and the
// JetStream calls the jetstream output needs.
//
// # Circuit Breaker
//
// Connect and publish failures are counted per round. After the threshold
// (default 5) the circuit opens and calls fail fast with ErrCircuitOpen. The
// circuit half-opens after the current backoff, which doubles each round up
// to the maximum (default one minute). Any success resets it.
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//
// Reconnection itself is left to the NATS client (infinite by default).
// Status changes feed the nats_connected gauge and reconnects the
// nats_reconnects_total counter when metrics are configured.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(metrics),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
//	    Name:     "TWEETS",
//	    Subjects: []string{"twitter-tweets"},
//	})
//
//	msg := nats.NewMsg("twitter-tweets")
//	msg.Data = payload
//	msg.Header.Set(jetstream.MsgIDHeader, tweetID)
//	ack, err := client.PublishMsg(ctx, msg)
//
// Close drains the connection, bounded by the drain timeout or the context
// deadline, and clears any credentials held in memory.
package natsclient
