package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/taurusdb/taurus/core"
	"github.com/taurusdb/taurus/wal"
)

func main() {
	var path string
	flag.StringVar(&path, "file", "", "wal file path")
	flag.Parse()
	if path == "" {
		log.Fatal("provide -file")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	records, err := wal.Replay(path, logger)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	fmt.Printf("Recovered %d records\n", len(records))
	for i, rec := range records {
		key, err := core.DecodeInternalKey(rec.Key)
		if err != nil {
			fmt.Printf("%03d: kind=%v <undecodable key: %v> value_len=%d\n", i, rec.Kind, err, len(rec.Value))
			continue
		}
		fmt.Printf("%03d: kind=%v user_key=%q seq=%d value_len=%d\n", i, rec.Kind, key.UserKey, key.SeqNum, len(rec.Value))
	}
}
