package summary_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/summary"
	"github.com/stretchr/testify/assert"
)

func TestRenderIncludesStatsAndFailures(t *testing.T) {
	b := summary.Block{Title: "redirect report acme"}
	b.Add("Workers", 5)
	b.AddStats(fetch.Snapshot{Records: 200, APICalls: 14, Retries: 2, Failures: 1, Elapsed: 4 * time.Second})
	b.Failures = []fetch.Failure{{Task: fetch.ItemTask("p1"), Err: errors.New("400 Bad Request"), Attempts: 1}}
	b.Footer = "arcaudit state --failures abc"

	var buf bytes.Buffer
	b.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "REDIRECT REPORT ACME")
	assert.Contains(t, out, "Workers:")
	assert.Contains(t, out, "API calls:")
	assert.Contains(t, out, "50.0 records/s")
	assert.Contains(t, out, "Failed (1):")
	assert.Contains(t, out, "p1 failed after 1 attempt(s): 400 Bad Request")
	assert.Contains(t, out, "state --failures abc")
}

func TestRenderCapsFailureList(t *testing.T) {
	b := summary.Block{Title: "wires"}
	for i := range 30 {
		b.Failures = append(b.Failures, fetch.Failure{Task: fetch.ItemTask(fmt.Sprintf("w%d", i)), Err: errors.New("boom"), Attempts: 6})
	}
	out := b.Render()
	assert.Contains(t, out, "Failed (30):")
	assert.Contains(t, out, "... and 5 more")
	assert.NotContains(t, out, "w29 failed")
}
