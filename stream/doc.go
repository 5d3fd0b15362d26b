// Package stream drives the two data paths between the client and an engine
// window: publishing events into it and subscribing to the events it emits.
//
// Both paths run over a Channel opened by a Transport. The package does not
// care how bytes move; transport/websocket, transport/natsbus and
// transport/memory provide implementations.
//
// # Publisher
//
// A Publisher validates records against the window schema, encodes them in
// blocks and hands the blocks to one background goroutine that writes them in
// FIFO order, optionally paced by a rate limit or a fixed delay. Publish calls
// return once the blocks are queued. Close flushes the queue and releases the
// channel.
//
// # Subscriber
//
// A Subscriber moves through Unsubscribed, Subscribing, Active and Stopped.
// Subscribe opens the channel and reads the engine's handshake (an optional
// status line, then the window schema). While active, a reader goroutine feeds
// raw messages into a bounded queue drained by a single apply loop, the only
// writer of the subscription's table.Table. Readers call Snapshot, Len, Get or
// DeltaSince from any goroutine without blocking the loop.
//
// A subscription stops when a horizon is satisfied, when Stop is called, when
// its context ends or when the channel fails. The cache is kept after a stop;
// Unsubscribe clears it.
//
//	sub, err := stream.NewSubscriber(tr, ep,
//		stream.WithLimit(1000),
//		stream.WithHorizon(stream.Count(500), stream.After(time.Minute)),
//	)
//	if err != nil {
//		return err
//	}
//	if err := sub.Subscribe(ctx); err != nil {
//		return err
//	}
//	_ = sub.Wait(ctx)
//	rows := sub.Snapshot().Rows()
package stream
