package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"omnitak/pool"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled (and the caller should not fall through to `flag.Parse` and serve
// mode).
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("omnitak %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:])
	case "registry":
		return cliRegistry(args[1:])
	default:
		return false
	}
}

func openRegistryOrExit(dbPath string) *pool.Registry {
	reg, err := pool.OpenRegistry(dbPath, slog.New(slog.DiscardHandler))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening registry: %v\n", err)
		os.Exit(1)
	}
	return reg
}

func cliStatus(args []string) bool {
	dbPath := defaultRegistryPath
	if len(args) > 0 {
		dbPath = args[0]
	}

	reg := openRegistryOrExit(dbPath)
	defer reg.Close()

	records, err := reg.All()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Registry: %s\n", dbPath)
	fmt.Printf("Known fingerprints: %d\n", len(records))
	return true
}

func cliRegistry(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: omnitak registry [list|backup] [db-path] ...\n")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		dbPath := defaultRegistryPath
		if len(args) > 1 {
			dbPath = args[1]
		}
		reg := openRegistryOrExit(dbPath)
		defer reg.Close()

		records, err := reg.All()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Println("No known fingerprints.")
			return true
		}
		type row struct {
			Fingerprint string `json:"fingerprint"`
			Subject     string `json:"subject"`
			FirstSeen   string `json:"first_seen"`
			LastSeen    string `json:"last_seen"`
		}
		rows := make([]row, 0, len(records))
		for _, r := range records {
			rows = append(rows, row{
				Fingerprint: r.Fingerprint,
				Subject:     r.Subject,
				FirstSeen:   r.FirstSeen.Format(time.RFC3339),
				LastSeen:    r.LastSeen.Format(time.RFC3339),
			})
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return true

	case "backup":
		dbPath := defaultRegistryPath
		outPath := "omnitak-registry-backup.db"
		if len(args) > 1 {
			dbPath = args[1]
		}
		if len(args) > 2 {
			outPath = args[2]
		}
		reg := openRegistryOrExit(dbPath)
		defer reg.Close()

		if err := reg.Backup(outPath); err != nil {
			fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registry backed up to %s\n", outPath)
		return true

	default:
		fmt.Fprintf(os.Stderr, "Usage: omnitak registry [list|backup] [db-path] ...\n")
		os.Exit(1)
		return true
	}
}
