// galdrctl is a small operational console for GaldrDB files: create and
// inspect a database, reconcile orphaned schema, vacuum, checkpoint, and
// poke at documents in an interactive shell. It is a consumer of the
// public engine API only.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	galdrdb "github.com/rthomasv3/GaldrDb-sub002"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
)

const (
	exitOK = iota
	exitError
	exitUsage
	exitCorruption
)

var (
	dbPath     string
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "galdrctl",
		Short:         "Inspect and maintain GaldrDB database files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&dbPath, "db", "", "path to the database file")
	pf.StringVar(&configPath, "config", "", "path to a HuJSON options file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		createCmd(),
		infoCmd(),
		collectionsCmd(),
		indexesCmd(),
		orphansCmd(),
		vacuumCmd(),
		checkpointCmd(),
		shellCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "galdrctl:", err)
		switch {
		case galdrerr.KindOf(err) == galdrerr.KindCorruption:
			os.Exit(exitCorruption)
		case err == pflag.ErrHelp:
			os.Exit(exitOK)
		default:
			os.Exit(exitError)
		}
	}
}

func options() (galdrdb.Options, error) {
	if configPath != "" {
		return galdrdb.LoadOptions(configPath)
	}
	return galdrdb.DefaultOptions(), nil
}

func openEngine() (*galdrdb.Engine, error) {
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "galdrctl: --db is required")
		os.Exit(exitUsage)
	}
	opts, err := options()
	if err != nil {
		return nil, err
	}
	e, err := galdrdb.OpenWithOptions(dbPath, opts)
	if err != nil {
		return nil, err
	}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	e.SetLogger(e.Logger().Level(level))
	return e, nil
}

func createCmd() *cobra.Command {
	var pageSize int
	var useWAL, useMmap bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				fmt.Fprintln(os.Stderr, "galdrctl: --db is required")
				os.Exit(exitUsage)
			}
			opts, err := options()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("page-size") {
				opts.PageSize = pageSize
			}
			if cmd.Flags().Changed("wal") {
				opts.UseWAL = useWAL
			}
			if cmd.Flags().Changed("mmap") {
				opts.UseMmap = useMmap
			}
			e, err := galdrdb.Create(dbPath, opts)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Printf("created %s (page size %d, wal %t)\n", dbPath, opts.PageSize, opts.UseWAL)
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 4096, "page size in bytes")
	cmd.Flags().BoolVar(&useWAL, "wal", false, "enable the write-ahead log")
	cmd.Flags().BoolVar(&useMmap, "mmap", false, "use the memory-mapped block device")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print header and schema summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			names, err := e.GetCollectionNames()
			if err != nil {
				return err
			}
			fmt.Printf("path:        %s\n", dbPath)
			fmt.Printf("instance:    %s\n", e.InstanceID())
			fmt.Printf("collections: %d\n", len(names))
			for _, name := range names {
				idx, err := e.GetIndexNames(name)
				if err != nil {
					return err
				}
				fmt.Printf("  %s (%d secondary indexes)\n", name, len(idx))
			}
			return nil
		},
	}
}

func collectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List user collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			names, err := e.GetCollectionNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func indexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes <collection>",
		Short: "List a collection's secondary indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			fields, err := e.GetIndexNames(args[0])
			if err != nil {
				return err
			}
			for _, f := range fields {
				fmt.Println(f)
			}
			return nil
		},
	}
}

func orphansCmd() *cobra.Command {
	var cleanup, deleteDocuments bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Reconcile the catalog against physical pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			o, err := e.GetOrphanedSchema()
			if err != nil {
				return err
			}
			if o.Empty() {
				fmt.Println("no orphans")
				return nil
			}
			for _, c := range o.Collections {
				fmt.Printf("orphaned collection: %s\n", c)
			}
			for _, i := range o.Indexes {
				fmt.Printf("orphaned index: %s\n", i)
			}
			fmt.Printf("orphaned index pages: %d, orphaned overflow pages: %d\n",
				len(o.IndexPages), len(o.OverflowPages))

			if !cleanup {
				return nil
			}
			cleaned, err := e.CleanupOrphanedSchema(deleteDocuments)
			if err != nil {
				return err
			}
			fmt.Printf("cleaned %d collections, %d indexes, %d pages\n",
				len(cleaned.Collections), len(cleaned.Indexes),
				len(cleaned.IndexPages)+len(cleaned.OverflowPages))
			return nil
		},
	}
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove the orphans found")
	cmd.Flags().BoolVar(&deleteDocuments, "delete-documents", false, "drop orphaned collections that still hold documents")
	return cmd
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim unreachable document versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			n, err := e.Vacuum()
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d versions\n", n)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush the main file and truncate the write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			ok, err := e.Checkpoint()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no write-ahead log configured")
				return nil
			}
			fmt.Println("checkpoint complete")
			return nil
		},
	}
}
