// Package discovery announces a running server on the local network over
// mDNS. This is an optional convenience for collaborators on the same LAN;
// the canonical way to reach a server remains its onion address.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

const (
	ServiceType   = "_oniondrop._tcp"
	ServiceDomain = "local"
)

// Announcement describes one server instance to advertise.
type Announcement struct {
	Name string // instance name shown to browsers
	Mode string // share / receive / website / chat
	Port int
}

// Announcer advertises a local listener until the context is canceled.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

// MDNSAnnouncer implements Announcer with multicast DNS via dnssd.
type MDNSAnnouncer struct{}

// Announce blocks, responding to mDNS queries, until ctx is canceled.
func (MDNSAnnouncer) Announce(ctx context.Context, a Announcement) error {
	cfg := dnssd.Config{
		Name:   a.Name,
		Type:   ServiceType,
		Domain: ServiceDomain,
		Text:   map[string]string{"mode": a.Mode},
		Port:   a.Port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("creating mDNS service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("creating mDNS responder: %w", err)
	}
	if _, err := rp.Add(service); err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	if err := rp.Respond(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("responding to mDNS queries: %w", err)
	}
	return nil
}
