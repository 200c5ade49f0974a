package manager

import (
	"context"
	"fmt"

	"github.com/distantsys/distant/transport"
)

// Authenticator is the narrow capability a Plugin gets for anything
// outside the core distant authentication protocol it needs to
// relay to the originating client, e.g. confirming a host
// fingerprint before trusting an SSH connection.
type Authenticator interface {
	// Info delivers a fire-and-forget informational message to the
	// client (e.g. "connecting to host...").
	Info(text string)
	// Verify asks the client to confirm something out of band and
	// blocks for its answer.
	Verify(kind, text string) bool
}

// Plugin is the only extension point the manager exposes: an
// implementation of launch/connect for one or more URI schemes.
type Plugin interface {
	Name() string
	Schemes() []string
	Connect(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (transport.Transport, error)
	Launch(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (Destination, error)
}

// basePlugin supplies the default Launch, which is unsupported.
// Concrete plugins embed it and override whichever of Connect/Launch
// they implement.
type basePlugin struct{}

func (basePlugin) Launch(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (Destination, error) {
	return Destination{}, fmt.Errorf("manager: launch not supported by this plugin")
}
