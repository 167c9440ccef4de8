package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/schedulerd", "schedulerd data directory")
	dryRun     = flag.Bool("dry-run", false, "show what recovery would change without writing")
	backupPath = flag.String("backup", "", "path to back up the database before recovery (default: <data-dir>/scheduler.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("schedulerd backfill tool")
	log.Println("========================")

	dbPath := filepath.Join(*dataDir, "scheduler.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	backend, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer backend.Close()

	if *dryRun {
		log.Println("dry run: would run recovery (default-backfill, event-gap repair, shard-uniqueness sanity check) against this database")
		log.Println("dry run completed. No changes made.")
		return
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store := storage.New(backend, broker)
	if err := storage.Recover(store); err != nil {
		log.Fatalf("recovery failed: %v", err)
	}

	fmt.Println("recovery completed successfully")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
