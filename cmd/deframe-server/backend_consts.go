package main

import "time"

const (
	txQueueSize  = 1024 // capacity of async TX ring
	txCoalesce   = 4096 // max bytes of queued frames joined into one port write
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	shutdownTimeout = 3 * time.Second
)
