package dht

import "errors"

var (
	// ErrTryAgain means the node has not finished bootstrapping.
	ErrTryAgain = errors.New("dht: not bootstrapped, try again")

	// ErrNotFound means no responder held the requested value.
	ErrNotFound = errors.New("dht: value not found")

	// ErrNetworkDown means no responsible node accepted a write.
	ErrNetworkDown = errors.New("dht: no node accepted the write")

	// ErrTimedOut means a query went unanswered.
	ErrTimedOut = errors.New("dht: query timed out")
)
