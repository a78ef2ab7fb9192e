package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/exporter"
	"github.com/vellumlab/vellum/pkg/gc"
	"github.com/vellumlab/vellum/pkg/health"
	"github.com/vellumlab/vellum/pkg/importer"
	"github.com/vellumlab/vellum/pkg/manager"
	"github.com/vellumlab/vellum/pkg/types"
)

// withManager opens the engine, runs fn, and shuts down.
func withManager(fn func(m *manager.Manager) error) error {
	m, err := manager.New(cfg)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	return fn(m)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data layout and run schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *manager.Manager) error {
			fmt.Printf("Initialized data directory: %s\n", cfg.DataRoot)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <dir|zip>",
	Short: "Import PDF and TEI files from a directory tree or archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		recursiveCollections, _ := cmd.Flags().GetBool("recursive-collections")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		goldPolicies, _ := cmd.Flags().GetStringSlice("gold-policy")

		return withManager(func(m *manager.Manager) error {
			if len(goldPolicies) > 0 {
				policies := make([]config.GoldPolicy, 0, len(goldPolicies))
				for _, p := range goldPolicies {
					policies = append(policies, config.GoldPolicy(p))
				}
				cfg.Import.GoldPolicies = policies
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			imp, err := m.NewImporter()
			if err != nil {
				return err
			}

			opts := importer.Options{
				Collection:           collection,
				RecursiveCollections: recursiveCollections,
				Recursive:            true,
				DryRun:               dryRun,
			}

			source := args[0]
			var stats *types.ImportStats
			if strings.HasSuffix(strings.ToLower(source), ".zip") {
				stats, err = imp.ImportZip(source, opts, nil)
			} else {
				stats, err = imp.ImportDirectory(source, opts, nil)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Scanned:  %d\n", stats.FilesScanned)
			fmt.Printf("Imported: %d\n", stats.FilesImported)
			fmt.Printf("Skipped:  %d\n", stats.FilesSkipped)
			fmt.Printf("Errors:   %d\n", len(stats.Errors))
			for _, e := range stats.Errors {
				fmt.Printf("  %s: %s\n", e.ID+e.Name, e.Error)
			}
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <dir|zip>",
	Short: "Export files to a human-readable tree or archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupBy, _ := cmd.Flags().GetString("group-by")
		collections, _ := cmd.Flags().GetStringSlice("collections")
		variants, _ := cmd.Flags().GetStringSlice("variants")
		includeVersions, _ := cmd.Flags().GetBool("include-versions")
		transforms, _ := cmd.Flags().GetStringSlice("transform")
		regex, _ := cmd.Flags().GetString("regex")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withManager(func(m *manager.Manager) error {
			ex := m.NewExporter()

			opts := exporter.Options{
				Collections:     collections,
				Variants:        variants,
				Regex:           regex,
				IncludeVersions: includeVersions,
				GroupBy:         exporter.GroupBy(groupBy),
				Transforms:      transforms,
				DryRun:          dryRun,
			}

			target := args[0]
			var stats *types.ExportStats
			var err error
			if strings.HasSuffix(strings.ToLower(target), ".zip") {
				stats, err = ex.ExportZip(target, opts, nil)
			} else {
				stats, err = ex.Export(target, opts, nil)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Exported: %d\n", stats.FilesExported)
			fmt.Printf("Skipped:  %d\n", stats.FilesSkipped)
			fmt.Printf("Errors:   %d\n", len(stats.Errors))
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		return withManager(func(m *manager.Manager) error {
			summary, err := m.Sync(force, uuid.NewString())
			if err != nil {
				return err
			}

			if summary.Skipped {
				fmt.Println("Nothing to sync")
				return nil
			}

			fmt.Printf("Uploads:          %d\n", summary.Uploads)
			fmt.Printf("Downloads:        %d\n", summary.Downloads)
			fmt.Printf("Local deletions:  %d\n", summary.DeletionsLocal)
			fmt.Printf("Remote deletions: %d\n", summary.DeletionsRemote)
			fmt.Printf("Metadata updates: %d\n", summary.MetadataUpdates)
			fmt.Printf("Conflicts:        %d\n", summary.Conflicts)
			fmt.Printf("Errors:           %d\n", summary.Errors)
			fmt.Printf("New version:      %d\n", summary.NewVersion)
			fmt.Printf("Duration:         %dms\n", summary.DurationMs)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a sync is needed (fast path)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *manager.Manager) error {
			check, err := m.SyncStatus()
			if err != nil {
				return err
			}
			fmt.Printf("Needs sync:     %v\n", check.NeedsSync)
			fmt.Printf("Local version:  %d\n", check.LocalVersion)
			fmt.Printf("Remote version: %d\n", check.RemoteVersion)
			fmt.Printf("Unsynced files: %d\n", check.UnsyncedCount)
			return nil
		})
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run garbage collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		deletedBefore, _ := cmd.Flags().GetString("deleted-before")
		syncStatus, _ := cmd.Flags().GetString("sync-status")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cutoff := time.Now().Add(-24 * time.Hour)
		if deletedBefore != "" {
			t, err := time.Parse(time.RFC3339, deletedBefore)
			if err != nil {
				return fmt.Errorf("parse --deleted-before: %w", err)
			}
			cutoff = t
		}

		return withManager(func(m *manager.Manager) error {
			stats, err := m.RunGC(gc.Options{
				DeletedBefore: cutoff,
				SyncStatus:    types.SyncStatus(syncStatus),
				DryRun:        dryRun,
			})
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			if dryRun {
				fmt.Println("\nDry run - nothing was deleted.")
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blob store and catalog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *manager.Manager) error {
			stats, err := m.Store().Stats()
			if err != nil {
				return err
			}

			fmt.Printf("Shards:     %d\n", stats.TotalShards)
			fmt.Printf("Blobs:      %d\n", stats.TotalBlobs)
			fmt.Printf("Total size: %s\n", datasize.ByteSize(stats.TotalSize).HumanReadable())
			for ft, count := range stats.BlobsByType {
				fmt.Printf("  %-4s %6d  %s\n", ft, count,
					datasize.ByteSize(stats.SizeByType[ft]).HumanReadable())
			}
			if stats.TempFiles > 0 {
				fmt.Printf("Temp files: %d\n", stats.TempFiles)
			}

			live, err := m.Catalog().AllFiles(false)
			if err != nil {
				return err
			}
			all, err := m.Catalog().AllFiles(true)
			if err != nil {
				return err
			}
			fmt.Printf("Catalog:    %d live, %d deleted\n", len(live), len(all)-len(live))
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check storage integrity (ref counts, blob presence)",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetBool("content")

		return withManager(func(m *manager.Manager) error {
			checker := health.New(m.Catalog(), m.Store())
			checker.VerifyContent = content

			report, err := checker.Check()
			if err != nil {
				return err
			}

			fmt.Printf("Entries checked: %d\n", report.EntriesChecked)
			fmt.Printf("Blobs checked:   %d\n", report.BlobsChecked)
			if report.Healthy() {
				fmt.Println("No integrity violations found.")
				return nil
			}
			fmt.Printf("Issues: %d\n", len(report.Issues))
			for _, issue := range report.Issues {
				fmt.Printf("  [%s] %s %s\n", issue.Kind, issue.Hash[:min(8, len(issue.Hash))], issue.Message)
			}
			os.Exit(1)
			return nil
		})
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Manage file locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *manager.Manager) error {
			fileIDs, err := m.Locks().ActiveLocks("")
			if err != nil {
				return err
			}
			if len(fileIDs) == 0 {
				fmt.Println("No active locks.")
				return nil
			}
			for _, id := range fileIDs {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge stale locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *manager.Manager) error {
			purged, err := m.CleanupStaleLocks()
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d stale lock(s)\n", purged)
			return nil
		})
	},
}

func init() {
	importCmd.Flags().String("collection", "", "Assign all files to this collection")
	importCmd.Flags().Bool("recursive-collections", false, "Derive collection names from subdirectories")
	importCmd.Flags().Bool("dry-run", false, "Scan without importing")
	importCmd.Flags().StringSlice("gold-policy", nil, "Gold detection policy order (no-version-marker, filename-regex, gold-dir)")

	exportCmd.Flags().String("group-by", "type", "Directory layout: type, collection, or variant")
	exportCmd.Flags().StringSlice("collections", nil, "Only export these collections")
	exportCmd.Flags().StringSlice("variants", nil, "Only export these variants (glob patterns)")
	exportCmd.Flags().Bool("include-versions", false, "Include non-gold versions")
	exportCmd.Flags().StringSlice("transform", nil, "Filename transform /search/replace/, applied in order")
	exportCmd.Flags().String("regex", "", "Only export filenames matching this pattern")
	exportCmd.Flags().Bool("dry-run", false, "Scan without exporting")

	syncCmd.Flags().Bool("force", false, "Sync even when the fast check says skip")

	gcCmd.Flags().String("deleted-before", "", "Purge cutoff (RFC3339; default 24h ago)")
	gcCmd.Flags().String("sync-status", "", "Only purge rows with this sync status")
	gcCmd.Flags().Bool("dry-run", false, "Report without deleting")

	verifyCmd.Flags().Bool("content", false, "Also recompute every blob hash")

	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksCleanupCmd)
}
