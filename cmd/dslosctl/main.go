// dslosctl is the operator CLI: it speaks the framed operator protocol
// to any node daemon's API address and renders the results. Write
// operations must reach the leader; on a follower they fail with exit
// code 2 and a leader hint in the error message.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DslsDZC/dslos-core/pkg/api"
	"github.com/DslsDZC/dslos-core/pkg/client"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:           "dslosctl",
	Short:         "DSLOS cluster operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:7946", "node daemon API address")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(pickCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the tagged error taxonomy onto the documented CLI exit
// codes: 1 invalid args, 2 not-leader, 3 quorum-lost, 4 timeout, 5
// internal.
func exitCode(err error) int {
	var derr *dslerr.Error
	if !errors.As(err, &derr) {
		return 1
	}
	switch derr.Code {
	case dslerr.CodeNotLeader:
		return 2
	case dslerr.CodeQuorumLost:
		return 3
	case dslerr.CodeTimeout, dslerr.CodeCancelled:
		return 4
	case dslerr.CodeInvalidSpec, dslerr.CodeInvalidParameter, dslerr.CodeNotFound,
		dslerr.CodeAlreadyExists, dslerr.CodeConflict:
		return 1
	default:
		return 5
	}
}

func connect() (*client.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Dial(ctx, serverAddr)
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the cluster",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record the cluster's metadata and liveness configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		maxNodes, _ := cmd.Flags().GetInt("max-nodes")
		replication, _ := cmd.Flags().GetInt("replication-factor")
		quorum, _ := cmd.Flags().GetInt("quorum")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		failover, _ := cmd.Flags().GetDuration("failover-timeout")

		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		cfg := types.DefaultClusterConfig(maxNodes)
		cfg.ReplicationFactor = replication
		if quorum > 0 {
			cfg.Quorum = quorum
		}
		if heartbeat > 0 {
			cfg.HeartbeatInterval = heartbeat
		}
		if failover > 0 {
			cfg.FailoverTimeout = failover
		}
		resp, err := c.CreateCluster(api.CreateClusterRequest{Name: name, Description: description, Config: cfg})
		if err != nil {
			return err
		}
		fmt.Printf("Cluster %s created: %s\n", name, resp.ClusterID)
		return nil
	},
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cluster state, leader and node roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.GetClusterInfo()
		if err != nil {
			return err
		}
		if info.Cluster != nil {
			fmt.Printf("Cluster:  %s (%s)\n", info.Cluster.Name, info.Cluster.ID)
			fmt.Printf("State:    %s\n", info.Cluster.State)
			fmt.Printf("Quorum:   %d\n", info.Config.Quorum)
		}
		fmt.Printf("Leader:   %s\n", info.LeaderAddr)
		fmt.Printf("Term:     %d\n", info.Term)
		fmt.Printf("Nodes:    %d\n", len(info.Nodes))
		return nil
	},
}

var clusterLeaveCmd = &cobra.Command{
	Use:   "leave <node-id>",
	Short: "Remove a node from the cluster, re-placing its replicas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.LeaveCluster(args[0]); err != nil {
			return err
		}
		fmt.Printf("Node %s left the cluster\n", args[0])
		return nil
	},
}

func init() {
	clusterCreateCmd.Flags().String("name", "", "cluster name (required)")
	clusterCreateCmd.Flags().String("description", "", "cluster description")
	clusterCreateCmd.Flags().Int("max-nodes", 0, "maximum node count (0 = unlimited)")
	clusterCreateCmd.Flags().Int("replication-factor", 1, "metadata replication factor")
	clusterCreateCmd.Flags().Int("quorum", 0, "quorum size (default N/2+1)")
	clusterCreateCmd.Flags().Duration("heartbeat-interval", 0, "heartbeat interval H")
	clusterCreateCmd.Flags().Duration("failover-timeout", 0, "failover timeout F (must be >= 3H)")
	_ = clusterCreateCmd.MarkFlagRequired("name")

	clusterCmd.AddCommand(clusterCreateCmd)
	clusterCmd.AddCommand(clusterInfoCmd)
	clusterCmd.AddCommand(clusterLeaveCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect cluster nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		nodes, err := c.ListNodes()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENDPOINT\tTYPE\tSTATE\tCPU\tMEMORY\tLIVENESS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f/%.1f\t%s/%s\t%s\n",
				n.ID, n.Endpoint, n.Type, n.State,
				n.Allocated.CPUCores, n.Capacity.CPUCores,
				formatBytes(n.Allocated.MemoryBytes), formatBytes(n.Capacity.MemoryBytes),
				liveness(n))
		}
		return w.Flush()
	},
}

func liveness(n *types.Node) string {
	switch {
	case n.Failed:
		return "failed"
	case n.Suspected:
		return "suspected"
	default:
		return "ok"
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
}

var serviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a service from a YAML manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		start, _ := cmd.Flags().GetBool("start")

		spec, err := loadManifest(file)
		if err != nil {
			return err
		}

		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.CreateService(spec)
		if err != nil {
			return err
		}
		fmt.Printf("Service %s created: %s\n", spec.Name, resp.ServiceID)
		if start {
			if err := c.StartService(resp.ServiceID); err != nil {
				return err
			}
			fmt.Println("Service starting")
		}
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start <service-id>",
	Short: "Place and start a created service's replicas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.StartService(args[0]); err != nil {
			return err
		}
		fmt.Println("Service starting")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop <service-id>",
	Short: "Drain and stop a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.StopService(args[0], force); err != nil {
			return err
		}
		fmt.Println("Service stopping")
		return nil
	},
}

var serviceScaleCmd = &cobra.Command{
	Use:   "scale <service-id>",
	Short: "Change a service's target replica count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetInt("replicas")
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ScaleService(args[0], target); err != nil {
			return err
		}
		fmt.Printf("Service scaling to %d replicas\n", target)
		return nil
	},
}

var serviceUpdateCmd = &cobra.Command{
	Use:   "update <service-id>",
	Short: "Roll a service to a new spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		spec, err := loadManifest(file)
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.UpdateService(args[0], spec); err != nil {
			return err
		}
		fmt.Println("Service updating")
		return nil
	},
}

var serviceInspectCmd = &cobra.Command{
	Use:   "inspect <service-id>",
	Short: "Show a service's spec, state and replicas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.GetServiceInfo(args[0])
		if err != nil {
			return err
		}
		svc := info.Service
		fmt.Printf("Service:   %s (%s)\n", svc.Spec.Name, svc.ID)
		fmt.Printf("State:     %s\n", svc.State)
		fmt.Printf("Image:     %s\n", svc.Spec.Image)
		fmt.Printf("Replicas:  %d (min %d, max %d, target %d)\n",
			len(info.Replicas), svc.Spec.MinReplicas, svc.Spec.MaxReplicas, svc.Spec.TargetReplicas)
		if len(info.Replicas) > 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPLICA\tNODE\tHEALTH\tVERSION")
			for _, r := range info.Replicas {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.NodeID, r.Health, r.SpecVersion)
			}
			return w.Flush()
		}
		return nil
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		services, err := c.ListServices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tTARGET")
		for _, s := range services {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Spec.Name, s.State, s.Spec.TargetReplicas)
		}
		return w.Flush()
	},
}

func init() {
	serviceCreateCmd.Flags().StringP("file", "f", "", "YAML service manifest (required)")
	serviceCreateCmd.Flags().Bool("start", false, "start the service immediately after creating it")
	_ = serviceCreateCmd.MarkFlagRequired("file")

	serviceStopCmd.Flags().Bool("force", false, "skip the graceful drain deadline")

	serviceScaleCmd.Flags().Int("replicas", 0, "target replica count (required)")
	_ = serviceScaleCmd.MarkFlagRequired("replicas")

	serviceUpdateCmd.Flags().StringP("file", "f", "", "YAML service manifest (required)")
	_ = serviceUpdateCmd.MarkFlagRequired("file")

	serviceCmd.AddCommand(serviceCreateCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceScaleCmd)
	serviceCmd.AddCommand(serviceUpdateCmd)
	serviceCmd.AddCommand(serviceInspectCmd)
	serviceCmd.AddCommand(serviceListCmd)
}

var pickCmd = &cobra.Command{
	Use:   "pick <service-id>",
	Short: "Pick a healthy replica endpoint for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.PickReplica(args[0], key)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", resp.ReplicaID, resp.Endpoint)
		return nil
	},
}

func init() {
	pickCmd.Flags().String("key", "", "client key (required for ip_hash balancing)")
}
