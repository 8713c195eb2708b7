package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

// EnqueueCmd returns the enqueue command.
func EnqueueCmd(s *session) *Command {
	flags := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	delay := flags.DurationP("delay", "d", 0, "Hold the entry back for `duration`")
	dedicated := flags.String("dedicated", "", "Bucket policy when the store is created: auto, always or never")
	retention := flags.Duration("retention", 0, "Retention when the store is created (0 = environment default)")

	return &Command{
		Flags: flags,
		Usage: "enqueue <store> <payload> [flags]",
		Short: "Append an entry to a store",
		Long: `Append an entry to a store and print its ack id.

The store is created on first use. Use "-" as payload to read it from stdin.
Delayed entries are not delivered before their delay has passed.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errStoreRequired
			}

			if len(args) < 2 {
				return errPayload
			}

			payload, err := readPayload(s.stdin, args[1:])
			if err != nil {
				return err
			}

			st, err := s.store(ctx, args[0], true, seqstore.StoreOptions{
				Dedicated: seqstore.DedicatedMode(*dedicated),
				Retention: *retention,
			})
			if err != nil {
				return err
			}

			id, err := st.Enqueue(ctx, payload, *delay)
			if err != nil {
				return err
			}

			o.Println(id.String())

			return nil
		},
	}
}

// readPayload joins args with spaces, or reads stdin for a single "-".
func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) != 1 || args[0] != "-" {
		return []byte(strings.Join(args, " ")), nil
	}

	if stdin == nil {
		return nil, fmt.Errorf("%w: stdin is not available", errPayload)
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}

	return data, nil
}
