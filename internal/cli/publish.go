package cli

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqpmodel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPublishCommand(g *globalFlags, opts Options) *cobra.Command {
	var (
		timeout     time.Duration
		contentType string
		persistent  bool
	)

	cmd := &cobra.Command{
		Use:   "publish [message...]",
		Short: "Publish messages to the exchange",
		Long: `Publish each argument as one message. Without arguments, every line
read from stdin is published. Messages are submitted before the topology is
ready and sent once it is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bodies := args
			if len(bodies) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if line := scanner.Text(); line != "" {
						bodies = append(bodies, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}

			m, err := g.open(cmd, opts)
			if err != nil {
				return err
			}
			defer disconnect(m, cmd.ErrOrStderr())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			type pending struct {
				id     string
				future *amqpmodel.Future[struct{}]
			}

			var published []pending
			for _, body := range bodies {
				id := uuid.New().String()
				publishOpts := []amqpmodel.PublishOption{amqpmodel.WithMessageID(id)}
				if contentType != "" {
					publishOpts = append(publishOpts, amqpmodel.WithContentType(contentType))
				}
				if persistent {
					publishOpts = append(publishOpts, amqpmodel.WithPersistent())
				}
				published = append(published, pending{id: id, future: m.PublishAsync([]byte(body), publishOpts...)})
			}

			for _, p := range published {
				if _, err := p.future.Wait(ctx); err != nil {
					return fmt.Errorf("failed to publish %s: %w", p.id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", p.id)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for confirmations")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type, overriding the configured one")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Mark messages persistent")

	return cmd
}
