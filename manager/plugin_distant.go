package manager

import (
	"context"
	"fmt"

	"github.com/distantsys/distant/transport"
)

// DistantPlugin is the default "distant" scheme plugin: it dials an
// already-running remote distant server directly over TCP. It is the
// scheme Connect defaults to when a destination has none.
type DistantPlugin struct {
	basePlugin
}

func (DistantPlugin) Name() string      { return "distant" }
func (DistantPlugin) Schemes() []string { return []string{"distant"} }

func (DistantPlugin) Connect(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (transport.Transport, error) {
	if dest.Port == 0 {
		return nil, fmt.Errorf("manager: distant destination %q has no port", dest.Raw)
	}
	authn.Info(fmt.Sprintf("connecting to %s", dest.HostPort()))
	return transport.DialTCP(ctx, dest.HostPort())
}
