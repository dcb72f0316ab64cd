package ops

import (
	"time"

	"github.com/eriksl/espif-go/internal/envelope"
	"github.com/eriksl/espif-go/internal/exchange"
	"github.com/eriksl/espif-go/internal/xerr"
)

// sendDontwaitTimeout bounds the single fire-and-forget send dontwait
// issues; there is no reply to wait for, so it need not track
// exchange.Config's SendTimeout.
const sendDontwaitTimeout = 2 * time.Second

// Send issues a single arbitrary command and returns the decapsulated
// reply text verbatim, with no pattern matching or field validation.
// It backs the CLI's bare positional-command-words invocation (spec.md
// §6 CLI surface) once host/command/session have already been
// resolved; everything else (argument parsing) stays out of this
// package (spec.md §1 Non-goals).
//
// If dontwait is set, the command is encapsulated and sent directly,
// fire-and-forget, the same way flash.Client.CommitOTA sends "reset":
// exchange.Process is never invoked, so the command returns as soon as
// the packet leaves the socket instead of waiting on (and possibly
// retrying) a reply that the caller has already said it doesn't want.
func (c *Client) Send(command string, dontwait bool) (string, error) {
	if dontwait {
		packet := envelope.Encapsulate(envelope.Packet{Data: []byte(command + "\n")}, envelope.Options{
			Raw:                c.Exchange.Raw,
			ProvideChecksum:    c.Exchange.ProvideChecksum,
			RequestChecksum:    c.Exchange.RequestChecksum,
			BroadcastGroupMask: c.Exchange.BroadcastGroupMask,
			TransactionID:      c.Exchange.TransactionID,
		})
		if _, err := c.Conn.Send(packet, sendDontwaitTimeout); err != nil {
			return "", xerr.Hardf("ops: send: %w", err)
		}
		return "", nil
	}

	res, err := exchange.Process(c.Conn, []byte(command+"\n"), nil, nil, c.exchangeConfig("send"))
	if err != nil {
		return "", xerr.Hardf("ops: send: %w", err)
	}
	return string(res.Data), nil
}
