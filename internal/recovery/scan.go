package recovery

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

const maxLedgerLineBytes = 16 * 1024 * 1024

// scanSealedSegments streams ledger.ndjson line by line, picking just the
// "stage"/"payload.segment_id"/"payload.content_hash" fields out of each
// entry via gjson rather than unmarshaling every entry into
// store.LedgerEntry, since a sweep only needs this one projection over
// what can be an arbitrarily large ledger.
func scanSealedSegments(ledgerPath string) (map[string]string, error) {
	sealed := make(map[string]string)
	err := scanLedgerLines(ledgerPath, func(line []byte) {
		if gjson.GetBytes(line, "stage").String() != "segment.sealed" {
			return
		}
		segmentID := gjson.GetBytes(line, "payload.segment_id").String()
		if segmentID == "" {
			return
		}
		sealed[segmentID] = gjson.GetBytes(line, "payload.content_hash").String()
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// crashTimestampsSince returns the ts_utc of every "system.crash_detected"
// ledger entry at or after since.
func crashTimestampsSince(ledgerPath string, since time.Time) ([]time.Time, error) {
	var out []time.Time
	err := scanLedgerLines(ledgerPath, func(line []byte) {
		if gjson.GetBytes(line, "stage").String() != "system.crash_detected" {
			return
		}
		ts, parseErr := time.Parse(time.RFC3339Nano, gjson.GetBytes(line, "ts_utc").String())
		if parseErr != nil {
			return
		}
		if !ts.Before(since) {
			out = append(out, ts)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanLedgerLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recovery: open ledger %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("recovery: scan ledger %s: %w", path, err)
	}
	return nil
}
