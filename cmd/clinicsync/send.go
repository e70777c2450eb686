package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

var (
	sendGroup   int64
	sendTo      int64
	sendFrom    int64
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().Int64Var(&sendGroup, "group", 0, "group conversation id")
	sendCmd.Flags().Int64Var(&sendTo, "to", 0, "recipient user id")
	sendCmd.Flags().Int64Var(&sendFrom, "from", 0, "sender user id")
	sendCmd.Flags().DurationVar(&sendTimeout, "wait", 5*time.Second, "how long to wait for the channel to open")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(outboxCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a chat message, keeping it in the outbox until delivered",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendGroup == 0 && sendTo == 0 {
			return fmt.Errorf("one of --group or --to is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout+10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.Outbox == nil {
			return fmt.Errorf("no realtime endpoint configured. Set server.ws_url or server.base_url")
		}

		opened := make(chan struct{}, 1)
		rt.Channel.OnOpen(func() {
			select {
			case opened <- struct{}{}:
			default:
			}
		})
		rt.Channel.Connect()
		select {
		case <-opened:
		case <-time.After(sendTimeout):
		case <-ctx.Done():
		}

		msg, err := rt.Outbox.SendChatMessage(ctx, clinicsync.ChatMessage{
			SenderID:    sendFrom,
			RecipientID: sendTo,
			GroupID:     sendGroup,
			Content:     strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(msg)
		}
		if msg.PendingSync {
			fmt.Printf("Queued %s in outbox %s\n", msg.ID, msg.ConversationID())
		} else {
			fmt.Printf("Sent %s\n", msg.ID)
		}
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List chat messages waiting for delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.Outbox == nil {
			return fmt.Errorf("no realtime endpoint configured")
		}

		convs, err := rt.Outbox.Conversations(ctx)
		if err != nil {
			return err
		}
		pending := map[string][]clinicsync.ChatMessage{}
		for _, c := range convs {
			msgs, err := rt.Outbox.Pending(ctx, c)
			if err != nil {
				return err
			}
			pending[c] = msgs
		}
		if flagJSON {
			return printJSON(pending)
		}
		if len(pending) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s:\n", c)
			for _, m := range pending[c] {
				fmt.Printf("  %s  %s  %s\n", m.ID, time.UnixMilli(m.CreatedAt).Format(time.DateTime), m.Content)
			}
		}
		return nil
	},
}
