// horizonctl is an operator tool over the storage and transaction core: it
// opens a database file, reports header stats, forces a checkpoint, walks
// every tree to verify structural invariants, or hex-dumps a single page.
// It carries no query-language semantics.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"horizon"
	"horizon/storage_engine/pager"
)

var rootCmd = &cobra.Command{
	Use:   "horizonctl",
	Short: "Inspect and maintain Horizon database files",
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "open <file>",
			Short: "Open a database file and print its header stats",
			Args:  cobra.ExactArgs(1),
			RunE:  runOpen,
		},
		&cobra.Command{
			Use:   "checkpoint <file>",
			Short: "Force every WAL frame to be applied and truncate the WAL",
			Args:  cobra.ExactArgs(1),
			RunE:  runCheckpoint,
		},
		&cobra.Command{
			Use:   "verify <file>",
			Short: "Walk every tree and check structural invariants",
			Args:  cobra.ExactArgs(1),
			RunE:  runVerify,
		},
		&cobra.Command{
			Use:   "dump-page <file> <page-id>",
			Short: "Hex-dump one page's header fields",
			Args:  cobra.ExactArgs(2),
			RunE:  runDumpPage,
		},
	)
}

func withDB(path string, readOnly bool, fn func(*horizon.Db) error) error {
	db, err := horizon.Open(path, horizon.Options{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()
	return fn(db)
}

func runOpen(cmd *cobra.Command, args []string) error {
	return withDB(args[0], true, func(db *horizon.Db) error {
		s := db.Stat()
		fmt.Printf("page_count:            %d\n", s.PageCount)
		fmt.Printf("free_list_head:        %d\n", s.FreeListHead)
		fmt.Printf("schema_generation:     %d\n", s.SchemaGeneration)
		fmt.Printf("next_txn_id:           %d\n", s.NextTxnID)
		fmt.Printf("last_committed_txn_id: %d\n", s.LastCommittedTxnID)
		fmt.Printf("directory_root:        %d\n", s.DirectoryRoot)
		return nil
	})
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	return withDB(args[0], false, func(db *horizon.Db) error {
		if err := db.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withDB(args[0], true, func(db *horizon.Db) error {
		result, err := db.Verify()
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Printf("trees:       %d\n", result.TreeCount)
		fmt.Printf("pages total: %d\n", result.TotalPages)
		fmt.Printf("free list:   %d\n", result.FreeListPages)
		if len(result.DepthMismatches) > 0 {
			fmt.Println("leaf depth mismatches:")
			for _, m := range result.DepthMismatches {
				fmt.Println("  " + m)
			}
		}
		if len(result.OverlappingPages) > 0 {
			fmt.Printf("pages claimed by more than one owner: %v\n", result.OverlappingPages)
		}
		if len(result.UncoveredPages) > 0 {
			fmt.Printf("pages neither reachable nor free: %v\n", result.UncoveredPages)
		}
		if result.OK() {
			fmt.Println("PASS")
			return nil
		}
		fmt.Println("FAIL")
		return fmt.Errorf("verify: invariants violated")
	})
}

func runDumpPage(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("page-id: %w", err)
	}
	return withDB(args[0], true, func(db *horizon.Db) error {
		data, err := db.DumpPage(pager.PageID(id))
		if err != nil {
			return fmt.Errorf("dump-page: %w", err)
		}
		fmt.Printf("page %d (%d bytes)\n", id, pager.PageSize)
		fmt.Print(hex.Dump(data[:64]))
		return nil
	})
}
