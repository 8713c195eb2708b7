package cli

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

// StatsCmd returns the stats command.
func StatsCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stats", flag.ContinueOnError),
		Usage: "stats [<store>]",
		Short: "Show store counters",
		Long: `Without a store, print one summary line per store.
With a store, print every counter and the ack level of each reader.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return execStatsAll(ctx, s, o)
			}

			st, err := s.store(ctx, args[0], false, seqstore.StoreOptions{})
			if err != nil {
				return err
			}

			stats, err := st.Stats()
			if err != nil {
				return err
			}

			o.Printf("store=%s\n", st.ID())
			o.Printf("messages=%d\n", stats.Messages)
			o.Printf("available=%d\n", stats.Available)
			o.Printf("delayed=%d\n", stats.Delayed)
			o.Printf("stored_bytes=%d\n", stats.StoredBytes)
			o.Printf("oldest_age=%s\n", time.Duration(stats.OldestAgeMillis)*time.Millisecond)
			o.Printf("buckets=%d\n", stats.Buckets)
			o.Printf("open_buckets=%d\n", stats.OpenBuckets)
			o.Printf("created_at=%s\n", time.UnixMilli(stats.CreatedAt).UTC().Format(time.RFC3339))

			for _, r := range st.Readers() {
				o.Printf("reader.%s.ack_level=%s\n", r.Name(), r.AckLevel())
			}

			return nil
		},
	}
}

func execStatsAll(ctx context.Context, s *session, o *IO) error {
	m, err := s.manager(ctx)
	if err != nil {
		return err
	}

	stores := m.Stores()
	if len(stores) == 0 {
		o.Warn("no stores", "create one with: seqstore enqueue <group/name> <payload>")

		return nil
	}

	for _, st := range stores {
		stats, err := st.Stats()
		if err != nil {
			return err
		}

		o.Printf("%s messages=%d available=%d delayed=%d bytes=%d buckets=%d readers=%d\n",
			st.ID(), stats.Messages, stats.Available, stats.Delayed, stats.StoredBytes, stats.Buckets, stats.Readers)
	}

	return nil
}

// BucketsCmd returns the buckets command.
func BucketsCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("buckets", flag.ContinueOnError),
		Usage: "buckets <store>",
		Short: "List a store's buckets",
		Long:  "List the buckets of a store in id range order: id, state, storage, range, entries and bytes.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errStoreRequired
			}

			st, err := s.store(ctx, args[0], false, seqstore.StoreOptions{})
			if err != nil {
				return err
			}

			o.Printf("%-6s %-7s %-9s %-44s %8s %10s\n", "ID", "STATE", "STORAGE", "RANGE", "ENTRIES", "BYTES")

			for _, b := range st.Buckets() {
				o.Printf("%-6s %-7s %-9s %-44s %8d %10d\n",
					b.ID, b.State, b.StorageType, "["+b.Min.String()+", "+b.Max.String()+")", b.EntryCount, b.ByteSize)
			}

			return nil
		},
	}
}

// EnvStatsCmd returns the env-stats command.
func EnvStatsCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("env-stats", flag.ContinueOnError),
		Usage: "env-stats",
		Short: "Show environment statistics",
		Long:  "Show storage engine statistics for the whole environment. Snapshots are cached for stats_ttl.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			m, err := s.manager(ctx)
			if err != nil {
				return err
			}

			st, err := m.EnvStats(ctx)
			if err != nil {
				return err
			}

			o.Printf("admin_bytes=%d\n", st.AdminBytes)
			o.Printf("cache_bytes=%d\n", st.CacheBytes)
			o.Printf("random_reads=%d\n", st.RandomReads)
			o.Printf("random_writes=%d\n", st.RandomWrites)
			o.Printf("sequential_reads=%d\n", st.SequentialReads)
			o.Printf("sequential_writes=%d\n", st.SequentialWrites)
			o.Printf("cleaner_backlog=%d\n", st.CleanerBacklog)
			o.Printf("fsyncs=%d\n", st.FSyncs)
			o.Printf("total_log_size=%d\n", st.TotalLogSize)
			o.Printf("open_databases=%d\n", st.OpenDatabases)
			o.Printf("open_bucket_stores=%d\n", m.Tracker().OpenBucketStoreCount())

			return nil
		},
	}
}

// RetireCmd returns the retire command.
func RetireCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("retire", flag.ContinueOnError),
		Usage: "retire <store>",
		Short: "Retire acknowledged or expired buckets",
		Long: `Delete the storage of closed buckets that every reader has acknowledged,
or that are older than the store's retention. Prints the number retired.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errStoreRequired
			}

			st, err := s.store(ctx, args[0], false, seqstore.StoreOptions{})
			if err != nil {
				return err
			}

			n, err := st.Retire(ctx)
			if err != nil {
				return err
			}

			o.Printf("retired=%d\n", n)

			return nil
		},
	}
}
