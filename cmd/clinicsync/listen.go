package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

var listenTypes []string

func init() {
	listenCmd.Flags().StringSliceVar(&listenTypes, "type", []string{"*"}, "frame types to print")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the realtime channel and print incoming frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.Channel == nil {
			return fmt.Errorf("no realtime endpoint configured. Set server.ws_url or server.base_url")
		}

		ch := rt.Channel
		ch.OnState(func(s clinicsync.ChannelState) {
			fmt.Printf("[%s] state: %s\n", time.Now().Format(time.TimeOnly), s)
		})
		failed := make(chan int, 1)
		ch.OnReconnectFailed(func(attempts int) {
			select {
			case failed <- attempts:
			default:
			}
		})
		for _, t := range listenTypes {
			ch.On(t, func(f clinicsync.Frame) {
				if flagJSON {
					b, _ := json.Marshal(f)
					fmt.Println(string(b))
					return
				}
				fmt.Printf("[%s] %s %s\n", time.Now().Format(time.TimeOnly), f.Type, string(f.Body()))
			})
		}

		go rt.WatchConnectivity(ctx)
		ch.Connect()
		select {
		case <-ctx.Done():
			return nil
		case n := <-failed:
			return fmt.Errorf("%w after %d attempts", clinicsync.ErrReconnectFailed, n)
		}
	},
}
