package main

import (
	"flag"
	"fmt"
	"os"

	"fafsrv/replayserver/tools/vaultcat"
)

func main() {
	root := flag.String("dir", ".", "vault root directory to scan")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := vaultcat.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := vaultcat.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("game %d (%s)\n", entry.Metadata.GameID, entry.Path)
		fmt.Printf("  created: %s\n", entry.Metadata.CreatedAt)
		fmt.Printf("  header: %d bytes, data: %d bytes\n", entry.Metadata.HeaderLength, entry.Metadata.DataLength)
	}
}
