package attach

import (
	"fmt"
	"os"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/codefionn/werkstatt/internal/filetrack"
)

// Attachment is one unit of injected context. ID is the opaque exclusion
// identifier ("plan", "file:<path>").
type Attachment struct {
	ID      string
	Title   string
	Content string
}

// changeAttachments converts change records into attachments, one per
// file, with a hunk count parsed out of the unified diff.
func changeAttachments(changes []filetrack.Change) []Attachment {
	attachments := make([]Attachment, 0, len(changes))
	for _, c := range changes {
		title := fmt.Sprintf("External edit: %s", c.Path)
		if hunks := countHunks(c.Diff); hunks > 0 {
			title = fmt.Sprintf("External edit: %s (%d hunk(s))", c.Path, hunks)
		}
		attachments = append(attachments, Attachment{
			ID:    "file:" + c.Path,
			Title: title,
			Content: fmt.Sprintf("%s was modified outside this conversation:\n```diff\n%s```",
				c.Path, c.Diff),
		})
	}
	return attachments
}

// countHunks parses a unified diff and returns its hunk count, or 0 when
// the diff does not parse.
func countHunks(text string) int {
	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return 0
	}
	return len(fd.Hunks)
}

// planAttachment builds a reference to the workspace plan file, or nil
// when no plan file exists.
func planAttachment(path string) *Attachment {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return &Attachment{
		ID:      "plan",
		Title:   "Plan file",
		Content: fmt.Sprintf("The plan file %s reflects the current task state; consult it before continuing.", path),
	}
}
