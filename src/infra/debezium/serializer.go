package debezium

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CDCSerializer parses and filters raw Debezium messages. IncludeTables lists
// the monitored tables; a trailing "*" matches a prefix, which covers the
// per-kind table families (thing_*, data_*, rel_*, reldata_*).
type CDCSerializer struct {
	IncludeTables []string
}

func (s *CDCSerializer) IsTableMonitored(tableName string) bool {
	for _, included := range s.IncludeTables {
		if tableName == included {
			return true
		}
		if strings.HasSuffix(included, "*") &&
			strings.HasPrefix(tableName, strings.TrimSuffix(included, "*")) {
			return true
		}
	}
	return false
}

func (s *CDCSerializer) ParseCDCEvent(messageValue []byte) (*CDCEvent, error) {
	var cdcEvent CDCEvent
	if err := json.Unmarshal(messageValue, &cdcEvent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CDC event: %w", err)
	}
	if err := s.validateCDCEvent(&cdcEvent); err != nil {
		return nil, fmt.Errorf("invalid CDC event: %w", err)
	}
	return &cdcEvent, nil
}

func (s *CDCSerializer) validateCDCEvent(event *CDCEvent) error {
	if event.Source.Table == "" {
		return fmt.Errorf("missing source table")
	}
	if event.Operation == "" {
		return fmt.Errorf("missing operation")
	}

	validOps := map[string]bool{"c": true, "u": true, "d": true, "r": true}
	if !validOps[event.Operation] {
		return fmt.Errorf("invalid operation: %s", event.Operation)
	}

	if event.Operation == "d" && event.Before == nil {
		return fmt.Errorf("missing 'before' data for delete operation")
	}
	// an update without 'before' can happen with REPLICA IDENTITY DEFAULT;
	// downstream treats it as insert-like
	if (event.Operation == "c" || event.Operation == "u") && event.After == nil {
		return fmt.Errorf("missing 'after' data for operation %s", event.Operation)
	}
	return nil
}

// ShouldProcessEvent applies the table filter. Snapshot reads pass through:
// a connector re-snapshot must invalidate just like live changes.
func (s *CDCSerializer) ShouldProcessEvent(event *CDCEvent) bool {
	return s.IsTableMonitored(event.Source.Table)
}

// MapCDCOperation converts a Debezium op code to its SQL statement name.
func MapCDCOperation(cdcOp string) string {
	switch cdcOp {
	case "c":
		return "INSERT"
	case "u":
		return "UPDATE"
	case "d":
		return "DELETE"
	case "r":
		return "INSERT" // snapshot read treated as insert
	default:
		return "UNKNOWN"
	}
}
