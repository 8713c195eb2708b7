package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

const defaultReader = "cli"

// DequeueCmd returns the dequeue command.
func DequeueCmd(s *session) *Command {
	flags := flag.NewFlagSet("dequeue", flag.ContinueOnError)
	readerName := flags.StringP("reader", "r", defaultReader, "Reader `name`")
	ack := flags.Bool("ack", false, "Acknowledge every delivered entry")
	limit := flags.IntP("limit", "n", 1, "Maximum entries to deliver")

	return &Command{
		Flags: flags,
		Usage: "dequeue <store> [flags]",
		Short: "Deliver entries to a reader",
		Long: `Deliver up to --limit entries to the named reader, oldest first.

Each entry prints as "<ack id> <attempt> <payload>", tab separated.
Without --ack delivered entries stay inflight: in the shell they are
redelivered after the redelivery timeout, otherwise on the next run.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errStoreRequired
			}

			if *limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", *limit)
			}

			st, err := s.store(ctx, args[0], false, seqstore.StoreOptions{})
			if err != nil {
				return err
			}

			r, err := st.OpenReader(ctx, *readerName, seqstore.ReaderOptions{})
			if err != nil {
				return err
			}

			for range *limit {
				d, ok, err := r.Dequeue(ctx)
				if errors.Is(err, seqstore.ErrInflightLimit) {
					o.Warn("inflight limit reached", "acknowledge delivered entries or raise max_inflight")

					return nil
				}

				if err != nil {
					return err
				}

				if !ok {
					return nil
				}

				o.Printf("%s\t%d\t%s\n", d.ID, d.Attempt, d.Payload)

				if *ack {
					err = r.Ack(ctx, d.ID)
					if err != nil {
						return err
					}
				}
			}

			return nil
		},
	}
}
