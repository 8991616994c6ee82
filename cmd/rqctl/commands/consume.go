package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperq/librq/internal/logger"
	"github.com/hyperq/librq/pkg/rq"
)

var (
	consumeMax       int
	consumePriority  string
	consumeExclusive bool
	consumeEcho      bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume <queue>",
	Short: "Consume a queue, printing each message until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := args[0]

		priority, err := rq.ParsePriority(consumePriority)
		if err != nil {
			return err
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		handler := func(msg *rq.Message) {
			fmt.Println(string(msg.Data()))
			if consumeEcho && !msg.NoReply() {
				if err := msg.Reply(msg.Data()); err != nil {
					logger.Warn("echo reply failed", "queue", queue, "error", err)
				}
			} else if !msg.NoReply() {
				if err := msg.Reply(nil); err != nil {
					logger.Warn("empty reply failed", "queue", queue, "error", err)
				}
			}
		}

		opts := &rq.ConsumeOptions{
			Max:       consumeMax,
			Priority:  priority,
			Exclusive: consumeExclusive,
			Accepted: func(q string, qid uint16) {
				logger.Info("consuming", "queue", q, "qid", qid)
			},
			Dropped: func(q string, qid uint16) {
				logger.Warn("consumer dropped, awaiting failover", "queue", q, "qid", qid)
			},
		}
		if err := client.Consume(queue, handler, opts); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
		return client.Close()
	},
}

func init() {
	consumeCmd.Flags().IntVar(&consumeMax, "max", 10, "max unreplied deliveries in flight (0 = unlimited)")
	consumeCmd.Flags().StringVar(&consumePriority, "priority", "normal", "consumer priority: none, low, normal, high")
	consumeCmd.Flags().BoolVar(&consumeExclusive, "exclusive", false, "request sole consumption of the queue")
	consumeCmd.Flags().BoolVar(&consumeEcho, "echo", false, "reply to each message with its own payload")
	rootCmd.AddCommand(consumeCmd)
}
