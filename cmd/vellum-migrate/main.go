package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/lockstore"
	vlog "github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/migrate"
)

var (
	dataDir    = flag.String("data-dir", "data", "Vellum data directory")
	rollbackTo = flag.Int("to", -1, "Roll back to this schema version instead of migrating up")
	backupPath = flag.String("backup", "", "Backup the metadata database to this path before migrating (default: <db>.backup)")
	skipBackup = flag.Bool("skip-backup", false, "Do not create a backup before destructive migrations")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Vellum Schema Migration Tool")
	log.Println("============================")

	vlog.Init(vlog.Config{Level: vlog.InfoLevel})

	dbPath := filepath.Join(*dataDir, "db", "metadata.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)

	if *backupPath != "" {
		log.Printf("Creating backup: %s", *backupPath)
		if err := copyFile(dbPath, *backupPath); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	store, err := blobstore.New(filepath.Join(*dataDir, "files"))
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	cat, err := catalog.New(dbPath, store)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer cat.Close()

	locks, err := lockstore.Open(filepath.Join(*dataDir, "db", "locks.db"))
	if err != nil {
		log.Fatalf("Failed to open lock store: %v", err)
	}
	defer locks.Close()

	runner := migrate.NewRunner(&migrate.Env{
		DB:      cat.DB(),
		Locks:   locks,
		Store:   store,
		Catalog: cat,
	})
	if *skipBackup {
		runner.SkipBackup()
	}

	current, err := runner.CurrentVersion()
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	log.Printf("Current schema version: %d", current)

	if *rollbackTo >= 0 {
		if *rollbackTo >= current {
			log.Printf("Nothing to roll back (current=%d, target=%d)", current, *rollbackTo)
			return
		}
		log.Printf("Rolling back to version %d...", *rollbackTo)
		if err := runner.RollbackTo(*rollbackTo); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("\n✓ Rollback completed successfully!")
		return
	}

	applied, err := runner.Run()
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if applied == 0 {
		log.Println("✓ Schema is up to date")
	} else {
		log.Printf("\n✓ Applied %d migration(s) successfully!", applied)
	}
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
