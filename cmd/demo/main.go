// Command demo runs a 5-node Multi-Paxos cluster in one process, over the
// in-memory transport and storage, to show leader election and a sequence
// of proposals landing in order across every node's kvsm. It does not
// simulate a partition or exercise gap recovery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/node"
	"github.com/paxoscore/consensus/internal/config"
	"github.com/paxoscore/consensus/internal/statemachine/kvsm"
	"github.com/paxoscore/consensus/internal/storage/memory"
	transportmem "github.com/paxoscore/consensus/internal/transport/memory"
)

const nodeCount = 5

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	endpoints := make([]membership.Endpoint, nodeCount)
	for i := range endpoints {
		endpoints[i] = membership.Endpoint{ID: fmt.Sprintf("node-%d", i), IP: "127.0.0.1", Port: 9000 + i}
	}

	network := transportmem.NewNetwork()
	nodes := make([]*node.Node, nodeCount)
	sms := make([]*kvsm.KV, nodeCount)

	for i, self := range endpoints {
		peers := make([]membership.Endpoint, 0, nodeCount-1)
		for j, ep := range endpoints {
			if j != i {
				peers = append(peers, ep)
			}
		}
		prop := config.Default()
		prop.Self = self
		prop.Members = peers

		tr := transportmem.New(self, network)
		logMgr := memory.New()
		sm := kvsm.New()
		sms[i] = sm

		n, err := node.New(prop, tr, logMgr, sm, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "starting %s: %v\n", self.ID, err)
			os.Exit(1)
		}
		nodes[i] = n
	}

	fmt.Printf("started a %d-node cluster, waiting for a master to be elected...\n", nodeCount)
	time.Sleep(1500 * time.Millisecond)

	master := findMaster(nodes)
	if master == nil {
		fmt.Println("no master elected within the wait window; the demo's timers may need tuning")
		os.Exit(1)
	}
	fmt.Printf("%s is master\n", master.Self().ID)

	commands := []kvsm.Op{
		{Kind: "set", Key: "a", Value: []byte("1")},
		{Kind: "set", Key: "b", Value: []byte("2")},
		{Kind: "delete", Key: "a"},
	}
	for _, op := range commands {
		data, err := kvsm.EncodeOp(op)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode op: %v\n", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = master.Propose(ctx, "kv", data)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "propose %+v: %v\n", op, err)
			os.Exit(1)
		}
		fmt.Printf("proposed %+v\n", op)
	}

	time.Sleep(300 * time.Millisecond)

	fmt.Println("\nfinal state across every node's state machine:")
	for i, sm := range sms {
		a, aOK := sm.Get("a")
		b, bOK := sm.Get("b")
		fmt.Printf("  %s: a=%q(present=%v) b=%q(present=%v)\n", endpoints[i].ID, a, aOK, b, bOK)
	}

	for _, n := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		n.Shutdown(ctx)
		cancel()
	}
}

func findMaster(nodes []*node.Node) *node.Node {
	for _, n := range nodes {
		if n.View().CreateRef().IsMaster(n.Self().ID) {
			return n
		}
	}
	return nil
}
