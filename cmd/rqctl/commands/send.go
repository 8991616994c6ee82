package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperq/librq/pkg/rq"
)

var (
	sendNoReply   bool
	sendBroadcast bool
	sendWait      time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <queue> <payload>",
	Short: "Send one request to a queue and print the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, payload := args[0], args[1]

		client, err := newClient()
		if err != nil {
			return err
		}

		msg := client.NewMessage()
		msg.SetQueue(queue)
		msg.SetData([]byte(payload))
		if sendNoReply {
			msg.SetNoReply()
		}
		if sendBroadcast {
			msg.SetBroadcast()
		}

		done := make(chan error, 1)
		var replyHandler, failHandler func(*rq.Message)
		if !sendNoReply {
			replyHandler = func(reply *rq.Message) {
				fmt.Println(string(reply.Data()))
				done <- nil
			}
			failHandler = func(*rq.Message) {
				done <- fmt.Errorf("request to %q failed: controller connection lost", queue)
			}
		}

		if err := client.Send(msg, replyHandler, failHandler); err != nil {
			return err
		}

		if !sendNoReply {
			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-time.After(sendWait):
				return fmt.Errorf("no reply from %q within %s", queue, sendWait)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
		return client.Close()
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendNoReply, "noreply", false, "fire and forget; do not wait for a reply")
	sendCmd.Flags().BoolVar(&sendBroadcast, "broadcast", false, "deliver to every consumer of the queue")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "how long to wait for the reply")
	rootCmd.AddCommand(sendCmd)
}
