package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corvohq/allocd/internal/store"
)

var (
	queueDeployment string
	queueAllocation string
	queueAmount     string
	queuePOI        string
	queueForce      bool
	queueSource     string
	queueReason     string
	queuePriority   int

	listType   string
	listStatus string
	listSource string
	listReason string

	executeForce bool
)

var queueCmd = &cobra.Command{
	Use:   "queue <type>",
	Short: "Queue an action (allocate, unallocate, reallocate, collect)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := store.Action{
			Type:     args[0],
			Source:   queueSource,
			Reason:   queueReason,
			Priority: queuePriority,
		}
		if queueDeployment != "" {
			action.DeploymentID = &queueDeployment
		}
		if queueAllocation != "" {
			action.AllocationID = &queueAllocation
		}
		if queueAmount != "" {
			action.Amount = &queueAmount
		}
		if queuePOI != "" {
			action.POI = &queuePOI
		}
		if cmd.Flags().Changed("force") {
			action.Force = &queueForce
		}

		data, status, err := apiRequest("POST", "/api/v1/actions", []store.Action{action})
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for param, v := range map[string]string{
			"type":   listType,
			"status": listStatus,
			"source": listSource,
			"reason": listReason,
		} {
			if v != "" {
				q.Set(param, v)
			}
		}
		path := "/api/v1/actions"
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}

		data, status, err := apiRequest("GET", path, nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}

		var found []store.Action
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		printActionTable(found)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve queued actions for execution",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIDsCommand("/api/v1/actions/approve"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel queued or approved actions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIDsCommand("/api/v1/actions/cancel"),
}

var executeCmd = &cobra.Command{
	Use:   "execute [id]...",
	Short: "Execute approved actions now (plus the named queued ids)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		body := map[string]interface{}{"ids": ids, "force": executeForce}
		data, status, err := apiRequest("POST", "/api/v1/actions/execute", body)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

func runIDsCommand(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		data, status, err := apiRequest("POST", path, map[string]interface{}{"ids": ids})
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid action id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printActionTable(found []store.Action) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tDEPLOYMENT\tALLOCATION\tAMOUNT\tSOURCE\tREASON")
	for _, a := range found {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Type, a.Status,
			deref(a.DeploymentID), deref(a.AllocationID), deref(a.Amount),
			a.Source, a.Reason)
	}
	w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func init() {
	queueCmd.Flags().StringVar(&queueDeployment, "deployment", "", "Subgraph deployment ID (allocate)")
	queueCmd.Flags().StringVar(&queueAllocation, "allocation", "", "Allocation ID (unallocate, reallocate, collect)")
	queueCmd.Flags().StringVar(&queueAmount, "amount", "", "Token amount in wei (allocate, reallocate)")
	queueCmd.Flags().StringVar(&queuePOI, "poi", "", "Proof of indexing (unallocate, reallocate)")
	queueCmd.Flags().BoolVar(&queueForce, "force", false, "Skip POI verification (unallocate, reallocate)")
	queueCmd.Flags().StringVar(&queueSource, "source", "cli", "Origin of the action")
	queueCmd.Flags().StringVar(&queueReason, "reason", "manual", "Why the action was queued")
	queueCmd.Flags().IntVar(&queuePriority, "priority", 0, "Action priority")

	listCmd.Flags().StringVar(&listType, "type", "", "Filter by action type")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listSource, "source", "", "Filter by source")
	listCmd.Flags().StringVar(&listReason, "reason", "", "Filter by reason")

	executeCmd.Flags().BoolVar(&executeForce, "force", false, "Execute only the named ids, skipping the approved drain")

	addClientFlags(queueCmd, listCmd, approveCmd, cancelCmd, executeCmd)
	rootCmd.AddCommand(queueCmd, listCmd, approveCmd, cancelCmd, executeCmd)
}
