package worldmodel

import (
	"bufio"
	"fmt"
	"os"

	"github.com/haasonsaas/synapse/pkg/models"
)

// VerifyFile replays the chain in the log at path without opening it for
// writes. Returns the chain head on success; the first mismatch is an error.
func VerifyFile(path string) (Head, error) {
	_, head, err := readChain(path)
	return head, err
}

// ReadAll loads and verifies every event in the log at path. Used by the
// replay engine and the verify CLI.
func ReadAll(path string) ([]*models.Event, error) {
	events, _, err := readChain(path)
	return events, err
}

func readChain(path string) ([]*models.Event, Head, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Head{}, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []*models.Event
	head := Head{}
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		event, err := DecodeEvent(raw)
		if err != nil {
			return nil, Head{}, fmt.Errorf("line %d: %w", line, err)
		}
		if event.Seq != head.Seq+1 {
			return nil, Head{}, fmt.Errorf("line %d: seq %d breaks gap-free order after %d", line, event.Seq, head.Seq)
		}
		if err := event.VerifyAgainst(head.Hash); err != nil {
			return nil, Head{}, fmt.Errorf("line %d: %w", line, err)
		}
		head = Head{Seq: event.Seq, Hash: event.Hash}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, Head{}, err
	}
	return events, head, nil
}
