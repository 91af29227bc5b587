package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
	"signalbot/internal/producer"
	"signalbot/internal/workitem"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert pending signals or news items",
	}
	cmd.AddCommand(newEnqueueKindCommand(ctx, workitem.KindSignal))
	cmd.AddCommand(newEnqueueKindCommand(ctx, workitem.KindNews))
	return cmd
}

func newEnqueueKindCommand(ctx *commandContext, kind workitem.Kind) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Enqueue %s items from a JSON object or array", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			reqs, err := producer.DecodeRequests(data)
			if err != nil {
				return err
			}
			for i := range reqs {
				if reqs[i].Kind != "" && reqs[i].Kind != kind {
					return fmt.Errorf("item %d: kind %q does not match %q", i, reqs[i].Kind, kind)
				}
				reqs[i].Kind = kind
			}
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				return enqueueAll(cmd, c.Producer, reqs)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON input file; - for stdin")
	return cmd
}

// enqueueAll validates every request before inserting any.
func enqueueAll(cmd *cobra.Command, p *producer.Producer, reqs []producer.Request) error {
	for i, req := range reqs {
		if _, err := p.Build(req); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	var errs []error
	out := cmd.OutOrStdout()
	for i, req := range reqs {
		it, err := p.Enqueue(cmd.Context(), req)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", it.ID, it.Kind, it.Category)
	}
	return errors.Join(errs...)
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if strings.TrimSpace(file) == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}
