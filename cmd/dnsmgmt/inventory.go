package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/spf13/cobra"
)

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodePutCmd = &cobra.Command{
	Use:   "put ID",
	Short: "Create or update a node and re-claim its allocations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		roles, _ := cmd.Flags().GetStringSlice("role")
		tenant, _ := cmd.Flags().GetInt64("tenant")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		node := &types.Node{ID: args[0], Name: name, Roles: roles, TenantID: tenant}
		if err := c.PutNode(context.Background(), node); err != nil {
			return fmt.Errorf("failed to put node: %v", err)
		}
		fmt.Printf("✓ Node stored: %s (%s)\n", node.ID, node.Name)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		nodes, err := c.ListNodes(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list nodes: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTENANT\tROLES")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", n.ID, n.Name, n.TenantID, strings.Join(n.Roles, ","))
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodePutCmd)
	nodeCmd.AddCommand(nodeListCmd)

	nodePutCmd.Flags().String("name", "", "Fully qualified node name (required)")
	nodePutCmd.Flags().StringSlice("role", nil, "Role carried by the node (repeatable)")
	nodePutCmd.Flags().Int64("tenant", 0, "Tenant ID")
	_ = nodePutCmd.MarkFlagRequired("name")
}

// Allocation commands
var allocationCmd = &cobra.Command{
	Use:     "allocation",
	Aliases: []string{"alloc"},
	Short:   "Manage network allocations",
}

var allocationPutCmd = &cobra.Command{
	Use:   "put ID",
	Short: "Create or update a network allocation and claim it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node")
		network, _ := cmd.Flags().GetString("network")
		category, _ := cmd.Flags().GetString("category")
		address, _ := cmd.Flags().GetString("address")
		tenant, _ := cmd.Flags().GetInt64("tenant")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		alloc := &types.NetworkAllocation{
			ID:              args[0],
			NodeID:          nodeID,
			Network:         network,
			NetworkCategory: category,
			Address:         address,
			TenantID:        tenant,
		}
		if err := c.PutAllocation(context.Background(), alloc); err != nil {
			return fmt.Errorf("failed to put allocation: %v", err)
		}
		fmt.Printf("✓ Allocation stored: %s (%s on %s)\n", alloc.ID, alloc.Address, alloc.Network)
		return nil
	},
}

var allocationDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a network allocation and remove its DNS records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DeleteAllocation(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete allocation: %v", err)
		}
		fmt.Printf("✓ Allocation deleted: %s\n", args[0])
		return nil
	},
}

var allocationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List network allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		allocs, err := c.ListAllocations(context.Background(), nodeID)
		if err != nil {
			return fmt.Errorf("failed to list allocations: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNODE\tNETWORK\tCATEGORY\tADDRESS\tTENANT")
		for _, a := range allocs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", a.ID, a.NodeID, a.Network, a.NetworkCategory, a.Address, a.TenantID)
		}
		return w.Flush()
	},
}

func init() {
	allocationCmd.AddCommand(allocationPutCmd)
	allocationCmd.AddCommand(allocationDeleteCmd)
	allocationCmd.AddCommand(allocationListCmd)

	allocationPutCmd.Flags().String("node", "", "Owning node ID")
	allocationPutCmd.Flags().String("network", "", "Network name (required)")
	allocationPutCmd.Flags().String("category", "", "Network category")
	allocationPutCmd.Flags().String("address", "", "Address, CIDR or bare IP (required)")
	allocationPutCmd.Flags().Int64("tenant", 0, "Tenant ID")
	_ = allocationPutCmd.MarkFlagRequired("network")
	_ = allocationPutCmd.MarkFlagRequired("address")

	allocationListCmd.Flags().String("node", "", "Only allocations of this node")
}

// Role instance commands
var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage role instances",
}

var rolePutCmd = &cobra.Command{
	Use:   "put ID",
	Short: "Create or update a role instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		nodeID, _ := cmd.Flags().GetString("node")
		state, _ := cmd.Flags().GetString("state")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ri, err := c.PutRoleInstance(context.Background(), &types.RoleInstance{
			ID:     args[0],
			Role:   role,
			NodeID: nodeID,
			State:  types.RoleInstanceState(state),
		})
		if err != nil {
			return fmt.Errorf("failed to put role instance: %v", err)
		}
		fmt.Printf("✓ Role instance stored: %s (%s, %s, seq %d)\n", ri.ID, ri.Role, ri.State, ri.Seq)
		return nil
	},
}

func init() {
	roleCmd.AddCommand(rolePutCmd)

	rolePutCmd.Flags().String("role", "", "Role name (required)")
	rolePutCmd.Flags().String("node", "", "Node the instance runs on")
	rolePutCmd.Flags().String("state", string(types.RoleInstanceActive), "Lifecycle state")
	_ = rolePutCmd.MarkFlagRequired("role")
}

// Attribute commands
var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Manage scoped attributes",
}

var attributeSetCmd = &cobra.Command{
	Use:   "set NAME JSON",
	Short: "Set an attribute to a JSON value",
	Long: `Set an attribute to a JSON value.

Exactly one of --role or --instance selects the scope.

Examples:
  dnsmgmt attribute set dns-management-servers \
    '[{"name":"system","url":"https://dns-mgmt.example:443"}]' --instance ri-1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		instance, _ := cmd.Flags().GetString("instance")

		var scope string
		switch {
		case role != "" && instance == "":
			scope = attrib.RoleScope(role)
		case instance != "" && role == "":
			scope = attrib.InstanceScope(instance)
		default:
			return fmt.Errorf("exactly one of --role or --instance is required")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetAttribute(context.Background(), args[0], scope, json.RawMessage(args[1])); err != nil {
			return fmt.Errorf("failed to set attribute: %v", err)
		}
		fmt.Printf("✓ Attribute set: %s (%s)\n", args[0], scope)
		return nil
	},
}

func init() {
	attributeCmd.AddCommand(attributeSetCmd)

	attributeSetCmd.Flags().String("role", "", "Role scope")
	attributeSetCmd.Flags().String("instance", "", "Role instance scope")
}

// Entry commands
var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List DNS name entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		allocationID, _ := cmd.Flags().GetString("allocation")
		pending, _ := cmd.Flags().GetBool("pending")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		entries, err := c.ListEntries(context.Background(), allocationID, pending)
		if err != nil {
			return fmt.Errorf("failed to list entries: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tADDRESS\tSERVICE\tALLOCATION\tFILTER\tSYNCED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				e.ID, e.Name, e.RRType, e.Address, e.Service, e.NetworkAllocationID, e.FilterID, e.Synced)
		}
		return w.Flush()
	},
}

func init() {
	entriesCmd.Flags().String("allocation", "", "Only entries of this allocation")
	entriesCmd.Flags().Bool("pending", false, "Only entries whose remote ADD has not been applied")
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Retry pending entries and reconcile every allocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Resync(context.Background()); err != nil {
			return fmt.Errorf("resync failed: %v", err)
		}
		fmt.Println("✓ Resync complete")
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate [ROLE]",
	Short: "Wait for the DNS service role to publish its servers, then resync",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		role := ""
		if len(args) == 1 {
			role = args[0]
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Println("Waiting for service transition...")
		if err := c.ActivateService(ctx, role); err != nil {
			return fmt.Errorf("activation failed: %v", err)
		}
		fmt.Println("✓ Service active, resync complete")
		return nil
	},
}

func init() {
	activateCmd.Flags().Duration("timeout", 6*time.Minute, "Give up after this long")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream reconciliation events",
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, _ := cmd.Flags().GetStringSlice("type")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var eventTypes []events.EventType
		for _, k := range kinds {
			eventTypes = append(eventTypes, events.EventType(k))
		}

		ctx, stop := signalContext()
		defer stop()

		return c.WatchEvents(ctx, eventTypes, func(e *events.Event) error {
			fmt.Printf("%s  %-20s %s", e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
			for k, v := range e.Metadata {
				fmt.Printf(" %s=%s", k, v)
			}
			fmt.Println()
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().StringSlice("type", nil, "Only these event types (repeatable)")
}
