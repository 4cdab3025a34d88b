//go:build linux

package afxdp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// ExpandInterfaces replaces glob patterns with the names of the matching
// links of the host.
func ExpandInterfaces(patterns []string) ([]string, error) {
	if !hasGlob(patterns) {
		return patterns, nil
	}
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return matchInterfaces(patterns, names)
}

// waitLinkUp polls the link state with exponential backoff until the link
// is up or ctx is done.
func waitLinkUp(ctx context.Context, index int, log *zap.SugaredLogger) error {
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for link %d to come up: %w", index, ctx.Err())
		case <-ticker.C:
			l, err := netlink.LinkByIndex(index)
			if err != nil {
				return fmt.Errorf("looking up link %d: %w", index, err)
			}
			attrs := l.Attrs()
			if linkUp(attrs) {
				return nil
			}
			log.Debugw("link is not up yet", "interface", attrs.Name, "state", attrs.OperState.String())
		}
	}
}

// linkUp treats an unknown operational state as up when the link is
// administratively up, as virtual links never report OperUp.
func linkUp(a *netlink.LinkAttrs) bool {
	switch a.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return a.Flags&net.FlagUp != 0
	}
	return false
}
