//go:build linux

package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/mdlayher/netlink"

	vnl "github.com/vishvananda/netlink"

	"github.com/ratelimd/ratelimd/types"
)

const (
	tableName = "ratelimd"
	chainName = "ingress"

	maxPacketLen = 0xFFFF
	maxQueueLen  = 1024
)

// netfilterKernel binds the admission engine to the packet path with
// plain netfilter plumbing: a netdev-family chain hooked onto the
// target interface's ingress path steers frames into an NFQUEUE, and
// the engine's verdicts travel back over the same socket. Both the
// queue rule (bypass flag) and the queue itself (fail-open flag) keep
// traffic flowing should the daemon stall or die with the rule still
// installed.
type netfilterKernel struct {
	nf     *nfqueue.Nfqueue
	table  *nftables.Table
	cancel context.CancelFunc
}

func newKernel() kernel { return &netfilterKernel{} }

func (k *netfilterKernel) OpenQueue(c *Config) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      c.QueueNum,
		MaxPacketLen: maxPacketLen,
		MaxQueueLen:  maxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagFailOpen,
		WriteTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("could not open netfilter queue %d: %w", c.QueueNum, err)
	}

	// For enhanced error messages from the kernel, it is recommended to
	// set option `NETLINK_EXT_ACK`, which is supported since the 4.12
	// kernel. If not supported, `unix.ENOPROTOOPT` is returned.
	if err := nf.SetOption(netlink.ExtendedAcknowledge, true); err != nil {
		slog.Warn("could not set option ExtendedAcknowledge", "err", err)
	}

	k.nf = nf
	return nil
}

func (k *netfilterKernel) Attach(c *Config, fn VerdictFunc) error {
	if k.nf == nil {
		return fmt.Errorf("the queue is not open")
	}

	link, err := vnl.LinkByName(c.Interface)
	if err != nil {
		return fmt.Errorf("could not find interface %q: %w", c.Interface, err)
	}

	if err := k.ensureSteering(c.Interface, c.QueueNum); err != nil {
		return err
	}
	slog.Debug("ingress steering in place",
		"interface", c.Interface, "ifindex", link.Attrs().Index, "queue", c.QueueNum)

	ctx, cancel := context.WithCancel(context.Background())

	cb := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}

		var proto uint16
		if a.HwProtocol != nil {
			proto = *a.HwProtocol
		}
		var payload []byte
		if a.Payload != nil {
			payload = *a.Payload
		}

		k.verdict(*a.PacketID, fn(proto, payload))
		return 0
	}

	errFn := func(e error) int {
		// Read deadlines surface as timeouts; they just pace the loop.
		var op *netlink.OpError
		if errors.As(e, &op) && op.Timeout() {
			return 0
		}
		slog.Error("netfilter queue error", "err", e)
		return 0
	}

	if err := k.nf.RegisterWithErrorFunc(ctx, cb, errFn); err != nil {
		cancel()
		k.removeSteering()
		return fmt.Errorf("could not register the verdict callback: %w", err)
	}
	k.cancel = cancel

	return nil
}

func (k *netfilterKernel) verdict(id uint32, v types.Verdict) {
	kv := nfqueue.NfAccept
	if v == types.Drop {
		kv = nfqueue.NfDrop
	}
	if err := k.nf.SetVerdict(id, kv); err != nil {
		slog.Warn("could not place a verdict", "id", id, "err", err)
	}
}

func (k *netfilterKernel) ensureSteering(iface string, queueNum uint16) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("could not open the nftables connection: %w", err)
	}

	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyNetdev)
	if err != nil {
		return fmt.Errorf("could not list netdev tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == tableName {
			return k.adoptSteering(conn, t, iface, queueNum)
		}
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyNetdev,
		Name:   tableName,
	})
	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookIngress,
		Priority: nftables.ChainPriorityFilter,
		Device:   iface,
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Counter{},
			// Bypass: should nobody be listening on the queue, packets
			// are admitted rather than dropped.
			&expr.Queue{Num: queueNum, Flag: expr.QueueFlagBypass},
		},
	})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("could not install the ingress steering rule: %w", err)
	}

	k.table = table
	return nil
}

// adoptSteering tolerates a leftover binding matching ours exactly
// (same device, same queue) and rejects anything else as a conflicting
// attachment.
func (k *netfilterKernel) adoptSteering(conn *nftables.Conn, table *nftables.Table, iface string, queueNum uint16) error {
	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyNetdev)
	if err != nil {
		return fmt.Errorf("could not list netdev chains: %w", err)
	}

	for _, ch := range chains {
		if ch.Table.Name != tableName || ch.Name != chainName {
			continue
		}
		if ch.Device != iface {
			return fmt.Errorf("table %q already binds %q to %q, not %q",
				tableName, chainName, ch.Device, iface)
		}

		rules, err := conn.GetRules(table, ch)
		if err != nil {
			return fmt.Errorf("could not inspect the existing chain: %w", err)
		}
		for _, r := range rules {
			for _, ex := range r.Exprs {
				q, ok := ex.(*expr.Queue)
				if !ok {
					continue
				}
				if q.Num != queueNum {
					return fmt.Errorf("table %q already steers %q into queue %d",
						tableName, iface, q.Num)
				}
				slog.Debug("adopting an identical attachment", "interface", iface, "queue", q.Num)
				k.table = table
				return nil
			}
		}
		return fmt.Errorf("table %q exists with an unexpected rule set", tableName)
	}

	return fmt.Errorf("table %q exists without the expected chain", tableName)
}

func (k *netfilterKernel) removeSteering() {
	if k.table == nil {
		return
	}
	conn, err := nftables.New()
	if err != nil {
		slog.Warn("could not open the nftables connection", "err", err)
		return
	}
	conn.DelTable(k.table)
	if err := conn.Flush(); err != nil {
		slog.Warn("could not remove the ingress steering table", "err", err)
	}
	k.table = nil
}

func (k *netfilterKernel) Detach() error {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}

	if k.table != nil {
		conn, err := nftables.New()
		if err != nil {
			return fmt.Errorf("could not open the nftables connection: %w", err)
		}
		conn.DelTable(k.table)
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("could not remove the ingress steering rule: %w", err)
		}
		k.table = nil
	}

	return nil
}

func (k *netfilterKernel) Close() error {
	if k.nf == nil {
		return nil
	}
	err := k.nf.Close()
	k.nf = nil
	if err != nil {
		return fmt.Errorf("could not close the queue socket: %w", err)
	}
	return nil
}
