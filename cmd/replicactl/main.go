// Command replicactl is the out-of-band control utility for overriding a
// replica's status, bypassing its own probabilistic sampler.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/replica"
)

func main() {
	var directoryAddr string

	root := &cobra.Command{
		Use:   "replicactl",
		Short: "Control a replica's status out of band",
	}
	root.PersistentFlags().StringVar(&directoryAddr, "directory", "127.0.0.1:9000", "directory daemon address")

	root.AddCommand(setCmd(&directoryAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setCmd(directoryAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <replica-id> <active|overloaded|offline|auto|manual>",
		Short: "Set a replica's status or toggle its automatic sampler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("replicactl: bad replica id %q: %w", args[0], err)
			}

			res := directory.NewRPCResolver(*directoryAddr)
			endpoint, err := res.Lookup(directory.ReplicaName(id))
			if err != nil {
				return fmt.Errorf("replicactl: lookup replica %d: %w", id, err)
			}
			client := replica.NewPeerClient(endpoint)

			switch args[1] {
			case "auto":
				return client.ToggleAutoStatus(true)
			case "manual":
				return client.ToggleAutoStatus(false)
			default:
				st, err := replica.ParseStatus(args[1])
				if err != nil {
					return err
				}
				if err := client.ToggleAutoStatus(false); err != nil {
					return err
				}
				return client.SetStatus(st)
			}
		},
	}
}
