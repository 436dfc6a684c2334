/*
streamctl is a local, read-only inspection tool: it opens a coordinator
node's on-disk store.Store directly and answers the three read queries
(writer_pid, local_pid, members) against it. It never talks to raft or any
other node — the coordinator does not proxy client traffic (spec.md §1's
Non-goals), so there is no client-facing RPC protocol to speak here. Point
streamctl at a given node's data directory to inspect that node's own
(possibly stale, if it is not the leader) view of the cluster.
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/query"
	"github.com/streamkit/coordinator/pkg/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "streamctl",
	Short: "Inspect a stream coordinator node's local state",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Path to the node's data directory (required)")
	_ = rootCmd.MarkPersistentFlagRequired("data-dir")

	rootCmd.AddCommand(writerPidCmd)
	rootCmd.AddCommand(localPidCmd)
	rootCmd.AddCommand(membersCmd)
}

func openService(cmd *cobra.Command) (*store.Store, *query.Service, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, query.New(st, nil), nil
}

var writerPidCmd = &cobra.Command{
	Use:   "writer-pid <stream-id>",
	Short: "Print the current writer pid for a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		pid, err := svc.WriterPid(context.Background(), ids.StreamId(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(pid.String())
		return nil
	},
}

var localPidCmd = &cobra.Command{
	Use:   "local-pid <stream-id> <node>",
	Short: "Print the current member pid for a stream on a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		pid, err := svc.LocalPid(context.Background(), ids.StreamId(args[0]), ids.Node(args[1]))
		if err != nil {
			return err
		}
		fmt.Println(pid.String())
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members <stream-id>",
	Short: "List all members of a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		members, err := svc.Members(context.Background(), ids.StreamId(args[0]))
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Printf("%s\t%s\t%s\n", m.Node, m.Kind, m.Pid)
		}
		return nil
	},
}
