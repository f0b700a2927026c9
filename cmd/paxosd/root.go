package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "paxosd",
	Short: "Multi-Paxos consensus node",
	Long:  "paxosd runs one participant of a Multi-Paxos cluster: Proposer, Learner, Master, and the membership view, over a real websocket transport and a durable file-backed log.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
