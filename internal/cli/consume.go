package cli

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/glimte/amqpmodel"
	"github.com/glimte/amqpmodel/transport"
	"github.com/spf13/cobra"
)

func newConsumeCommand(g *globalFlags, opts Options) *cobra.Command {
	var (
		count      int
		timeout    time.Duration
		prefetch   int
		bindingKey string
		noAck      bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages from the queue, one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			m, err := g.open(cmd, opts)
			if err != nil {
				return err
			}
			defer disconnect(m, cmd.ErrOrStderr())

			var (
				received atomic.Int64
				doneOnce sync.Once
				done     = make(chan struct{})
			)
			out := cmd.OutOrStdout()
			handler := func(d *transport.Delivery, next func()) {
				fmt.Fprintf(out, "%s %s\n", d.RoutingKey, d.Body)
				next()
				if n := received.Add(1); count > 0 && n >= int64(count) {
					doneOnce.Do(func() { close(done) })
				}
			}

			var subscribeOpts []amqpmodel.SubscribeOption
			if cmd.Flags().Changed("no-ack") {
				subscribeOpts = append(subscribeOpts, amqpmodel.WithAck(!noAck))
			}
			if prefetch > 0 {
				subscribeOpts = append(subscribeOpts, amqpmodel.WithPrefetch(prefetch))
			}
			if bindingKey != "" {
				subscribeOpts = append(subscribeOpts, amqpmodel.WithBindingKey(bindingKey))
			}

			tag, err := m.QueueByOne(ctx, handler, subscribeOpts...)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "consuming from %s as %s\n", m.Queue().Name, tag)

			select {
			case <-done:
			case <-ctx.Done():
			}

			if err := m.Unsubscribe(context.Background(), tag); err != nil {
				return fmt.Errorf("failed to unsubscribe: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 for no limit)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Exit after this long (0 for no limit)")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "Prefetch count, overriding the configured one")
	cmd.Flags().StringVar(&bindingKey, "bind-key", "", "Bind the queue with this key before consuming")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Consume without acknowledgements")

	return cmd
}
