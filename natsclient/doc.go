// Package natsclient manages the NATS connection used by the nats transport
// and the project store.
//
// Client wraps a single *nats.Conn with reconnect handlers, a circuit breaker
// for repeated dial failures, and optional TLS from pkg/security. KVStore adds
// revision-checked writes on top of a JetStream key-value bucket:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("espflow"),
//	    natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "projects"})
//	kv := client.NewKVStore(bucket)
//	err = kv.UpdateWithRetry(ctx, "trading", func(cur []byte) ([]byte, error) {
//	    return next(cur)
//	})
//
// Tests that need a server use NewTestClient, which starts NATS in a container.
package natsclient
