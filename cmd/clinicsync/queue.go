package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

var (
	queueAddID       string
	queueAddData     string
	queueAddEndpoint string
	queueAddOffline  bool

	queueDiscardReason string
)

func init() {
	queueAddCmd.Flags().StringVar(&queueAddID, "id", "", "entity id (required for update and delete)")
	queueAddCmd.Flags().StringVar(&queueAddData, "data", "", "JSON object payload")
	queueAddCmd.Flags().StringVar(&queueAddEndpoint, "endpoint", "", "override the collection endpoint")
	queueAddCmd.Flags().BoolVar(&queueAddOffline, "offline", false, "queue the mutation without contacting the server")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueDiscardCmd.Flags().StringVar(&queueDiscardReason, "reason", "", "reason recorded on the record")

	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(entitiesCmd)
}

// ============================================================================
// Queue commands
// ============================================================================

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending-operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		ops, err := rt.Queue.Snapshot(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(ops)
		}
		if len(ops) == 0 {
			fmt.Println("No pending operations.")
			return nil
		}
		for _, op := range ops {
			target := op.EntityID
			if target == "" {
				target = "-"
			}
			fmt.Printf("%s  %-6s %-16s %-24s retries=%d", op.ID, op.Operation, op.EntityType, target, op.RetryCount)
			if op.LastError != "" {
				fmt.Printf("  last error: %s", op.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <create|update|delete> <entity-type>",
	Short: "Apply a mutation, queueing it when the server is unreachable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req := clinicsync.MutationRequest{
			Operation:  clinicsync.OperationType(args[0]),
			EntityType: args[1],
			EntityID:   queueAddID,
			Endpoint:   queueAddEndpoint,
		}
		switch req.Operation {
		case clinicsync.OpCreate, clinicsync.OpUpdate, clinicsync.OpDelete:
		default:
			return fmt.Errorf("unknown operation %q (valid: create, update, delete)", args[0])
		}
		if queueAddData != "" {
			if err := json.Unmarshal([]byte(queueAddData), &req.Payload); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if queueAddOffline || rt.Config.Server.BaseURL == "" {
			rt.Monitor.SetOnline(false)
		}
		ent, err := rt.Coordinator.Mutate(ctx, req)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(ent)
		}
		if ent == nil {
			fmt.Println("Done.")
			return nil
		}
		fmt.Printf("%s %s [%s]\n", ent.EntityType, ent.ID, ent.SyncStatus)
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Give up on a pending operation and mark its record as failed",
	Long: "Give up on a pending operation. The operation is not replayed and the\n" +
		"record it targets is marked with status error, carrying the reason.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		op, err := rt.Queue.Discard(ctx, args[0], queueDiscardReason)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(op)
		}
		fmt.Printf("Discarded %s (%s %s %s); record marked %s\n", op.ID, op.Operation, op.EntityType, valueOrDefault(op.EntityID, "-"), clinicsync.StatusError)
		return nil
	},
}

// ============================================================================
// Entities
// ============================================================================

var entitiesCmd = &cobra.Command{
	Use:   "entities [entity-type]",
	Short: "List locally mirrored records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		types := args
		if len(types) == 0 {
			if types, err = rt.Store.EntityTypes(ctx); err != nil {
				return err
			}
		}
		var all []*clinicsync.OfflineEntity
		for _, t := range types {
			ents, err := rt.Store.ListEntities(ctx, t)
			if err != nil {
				return err
			}
			all = append(all, ents...)
		}
		if flagJSON {
			return printJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No local records.")
			return nil
		}
		for _, e := range all {
			fmt.Printf("%-16s %-40s %-8s", e.EntityType, e.ID, e.SyncStatus)
			if e.Error != "" {
				fmt.Printf("  %s", e.Error)
			}
			fmt.Println()
		}
		return nil
	},
}
