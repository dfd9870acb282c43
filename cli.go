package main

import (
	"context"
	"fmt"
	"os"

	"watchtogether/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("watchtogether server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "uploads":
		return cliUploads(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	count, totalBytes, err := st.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Uploads: %d (%.1f MB)\n", count, float64(totalBytes)/1e6)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUploads(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		roomID := ""
		if len(args) > 1 {
			roomID = args[1]
		}
		uploads, err := st.ListUploads(context.Background(), roomID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(uploads) == 0 {
			fmt.Println("No uploads found.")
			return true
		}
		for _, u := range uploads {
			fmt.Printf("  [%s] %s %s %q (%d bytes)\n", u.RoomID, u.ID, u.Kind, u.OriginalName, u.SizeBytes)
		}
		return true
	}

	// prune deletes rows whose file no longer exists on disk.
	if args[0] == "prune" {
		uploads, err := st.ListUploads(context.Background(), "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		pruned := 0
		for _, u := range uploads {
			if _, statErr := os.Stat(u.DiskPath); statErr == nil {
				continue
			}
			if err := st.DeleteUpload(context.Background(), u.ID); err != nil {
				fmt.Fprintf(os.Stderr, "error pruning %s: %v\n", u.ID, err)
				os.Exit(1)
			}
			pruned++
		}
		fmt.Printf("Pruned %d orphaned upload rows\n", pruned)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server uploads [list [room]|prune]\n")
	os.Exit(1)
	return true
}
