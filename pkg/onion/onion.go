// Package onion is the interface boundary to the onion-service controller.
// The web core only needs two things from it: publish a hidden listener for
// a local port, and tear it down. Circuit management, key handling, and the
// control protocol live behind this interface in an external process.
package onion

import (
	"context"
	"fmt"
)

// Address is the externally reachable address of a published service.
type Address string

// Service publishes a local listener on the anonymity network. A successful
// Publish return doubles as the "service is reachable" signal.
type Service interface {
	Publish(ctx context.Context, localPort int) (Address, error)
	Close() error
}

// LocalService is the development implementation: it "publishes" on
// loopback so the whole stack can be exercised without an onion transport.
type LocalService struct{}

func (LocalService) Publish(ctx context.Context, localPort int) (Address, error) {
	if localPort <= 0 {
		return "", fmt.Errorf("invalid local port %d", localPort)
	}
	return Address(fmt.Sprintf("http://127.0.0.1:%d", localPort)), nil
}

func (LocalService) Close() error { return nil }
