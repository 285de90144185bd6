// Package client provides the producer API for the delayed task queue.
//
// A Client binds to one named queue and submits tasks to it:
//
//	c, err := client.New("localhost:6379", "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	t, err := c.Enqueue(ctx, "demo.add", 1, 2)
//
// Function names refer to handlers registered in the worker process. Worker
// and sweeper processes consume the same queue; see cmd/worker and
// cmd/sweeper.
package client
