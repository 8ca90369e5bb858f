package tunnel

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepalive probes client every KeepAliveInterval.  On failure it
// closes ln, which makes Accept notice and reconnect.
func (g *Gateway) keepalive(client *ssh.Client, ln net.Listener) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		current := g.client == client
		g.mu.Unlock()
		if !current {
			return
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			g.logger.Error("gateway keepalive failed: %v", err)
			g.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
			ln.Close()
			return
		}
		g.logger.Debug("gateway keepalive OK")
	}
}
