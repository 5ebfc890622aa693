package discovery

import (
	"context"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// mdnsService is the BonJour service calibre advertises for its smart
// device driver.
const mdnsService = "_calibresmartdeviceapp._tcp"

// BrowseMDNS watches for a calibre instance advertised over mDNS and
// returns the first usable reply. It is a secondary discovery channel;
// the UDP broadcast handshake remains primary and wins when both
// produce an answer. BrowseMDNS blocks until a service is found or ctx
// is cancelled.
func BrowseMDNS(ctx context.Context) (Reply, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Reply{}, err
	}

	entries := make(chan *zeroconf.ServiceEntry, 4)
	go func() {
		if err := resolver.Browse(ctx, mdnsService, "local.", entries); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "BrowseMDNS",
				"error":    err.Error(),
			}).Debug("mDNS browse failed")
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Reply{}, ctx.Err()
			}
			if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port == 0 {
				continue
			}
			reply := Reply{
				Host:        entry.AddrIPv4[0].String(),
				DisplayName: entry.Instance,
				Port:        entry.Port,
			}
			if reply.DisplayName == "" {
				reply.DisplayName = reply.Host
			}
			logrus.WithFields(logrus.Fields{
				"function":     "BrowseMDNS",
				"host":         reply.Host,
				"port":         reply.Port,
				"display_name": reply.DisplayName,
			}).Info("calibre instance found via mDNS")
			return reply, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}
