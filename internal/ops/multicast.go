package ops

import (
	"context"
	"math/rand/v2"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/xerr"
)

// multicastDeadline bounds the whole discovery loop, matching the
// original's fixed 10-second overall timeout.
const multicastDeadline = 10 * time.Second

// multicastDrainWindow is how long each burst iteration waits for
// replies before sending the next probe.
const multicastDrainWindow = 100 * time.Millisecond

// multicastResolveConcurrency bounds simultaneous reverse-DNS lookups.
const multicastResolveConcurrency = 8

// MulticastHost aggregates replies seen from one source address.
type MulticastHost struct {
	IP       string
	Hostname string
	Count    int
	Text     string
}

// MulticastResult is the full outcome of a discovery burst.
type MulticastResult struct {
	Hosts   []MulticastHost
	Probes  int
	Replies int
}

// Multicast sends text as a burst of up to burst probes (bounded by a
// 10-second overall deadline), collecting replies for up to 100ms after
// each probe, bucketing by source IPv4 and resolving each host's
// reverse DNS name afterwards (spec.md §4.E). Reverse DNS failure is
// non-fatal: the hostname is left blank and the caller displays it as
// 0.0.0.0 (spec.md §7). Resolution shares the 10-second deadline.
func (c *Client) Multicast(ctx context.Context, text string, burst int) (MulticastResult, error) {
	txid := rand.Uint32() //nolint:gosec // transaction dedup key, not a security token

	packet := envelope.Encapsulate(envelope.Packet{Data: []byte(text)}, envelope.Options{
		TransactionID:      &txid,
		RequestChecksum:    c.Exchange.RequestChecksum,
		ProvideChecksum:    c.Exchange.ProvideChecksum,
		BroadcastGroupMask: c.Exchange.BroadcastGroupMask,
	})

	deadline := time.Now().Add(multicastDeadline)
	hosts := map[string]*MulticastHost{}
	probes, replies := 0, 0

	for i := 0; i < burst && time.Now().Before(deadline); i++ {
		if _, err := c.Conn.Send(packet, time.Second); err != nil {
			return MulticastResult{}, xerr.Hardf("ops: multicast: send: %w", err)
		}
		probes++

		windowEnd := time.Now().Add(multicastDrainWindow)
		if windowEnd.After(deadline) {
			windowEnd = deadline
		}

		for {
			remaining := time.Until(windowEnd)
			if remaining <= 0 {
				break
			}

			buf := make([]byte, 2*c.SectorSize)
			n, remote, ok, err := c.Conn.Receive(buf, remaining)
			if err != nil || !ok {
				break
			}

			dec, err := envelope.Decapsulate(buf[:n], &txid, c.Exchange.Verbose)
			if err != nil {
				continue
			}

			ip := hostIP(remote)
			h, exists := hosts[ip]
			if !exists {
				h = &MulticastHost{IP: ip, Text: string(dec.Data)}
				hosts[ip] = h
			}
			h.Count++
			replies++
		}
	}

	list := make([]MulticastHost, 0, len(hosts))
	for _, h := range hosts {
		list = append(list, *h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IP < list[j].IP })

	resolveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	resolveHostnames(resolveCtx, list)

	return MulticastResult{Hosts: list, Probes: probes, Replies: replies}, nil
}

// hostIP extracts the numeric IPv4 address from a net.Addr, falling
// back to its full string form for non-UDP addresses (e.g. in tests).
func hostIP(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	if addr == nil {
		return "0.0.0.0"
	}
	return addr.String()
}

// resolveHostnames fills in each host's Hostname via reverse DNS,
// bounding concurrency with an errgroup. A lookup failure leaves
// Hostname blank rather than failing the whole operation.
func resolveHostnames(ctx context.Context, hosts []MulticastHost) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(multicastResolveConcurrency)

	var resolver net.Resolver
	for i := range hosts {
		g.Go(func() error {
			names, err := resolver.LookupAddr(ctx, hosts[i].IP)
			if err != nil || len(names) == 0 {
				return nil
			}
			hosts[i].Hostname = names[0]
			return nil
		})
	}

	_ = g.Wait() // lookup errors are already absorbed per-host above
}
