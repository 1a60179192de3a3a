package jobs

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// checkmark is the alternate progress glyph workers may print instead of a
// JSON beacon.
const checkmark = "✓"

type beacon struct {
	ItemDone *int `json:"item_done"`
}

// PumpLogs consumes worker output line by line until EOF. JSON lines with an
// item_done integer update the job's processed counter; checkmark lines
// count one item each; every line lands in the job's log buffer.
func PumpLogs(job *Job, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		job.AppendLog(levelOf(trimmed), line)

		if strings.HasPrefix(trimmed, "{") {
			var b beacon
			if err := json.Unmarshal([]byte(trimmed), &b); err == nil && b.ItemDone != nil {
				job.SetProcessed(*b.ItemDone)
				continue
			}
		}
		if strings.Contains(trimmed, checkmark) {
			job.IncProcessed()
		}
	}
	return scanner.Err()
}

// levelOf guesses a log level from conventional prefixes so the buffer stays
// filterable; unknown lines default to INFO.
func levelOf(line string) string {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR"):
		return "ERROR"
	case strings.Contains(upper, "WARN"):
		return "WARN"
	case strings.Contains(upper, "DEBUG"):
		return "DEBUG"
	default:
		return "INFO"
	}
}
