package tasks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"nata-api/domain"
)

const (
	docProducer = "nata"
	docVersion  = "1"
)

// Document is the portable export format: metadata first, then the task
// records. Field order fixes the key order so documents diff cleanly.
type Document struct {
	Meta  Meta     `json:"meta"`
	Tasks []Record `json:"tasks"`
}

// Meta describes who produced an export and when.
type Meta struct {
	ExportID   string    `json:"export_id"`
	ExportedAt time.Time `json:"exported_at"`
	TaskCount  int       `json:"task_count"`
	Producer   string    `json:"producer"`
	Version    string    `json:"version"`
}

// Record is a single task inside a document. DueDate stays a string so
// imports can tolerate hand-edited timestamp forms.
type Record struct {
	ID        int64      `json:"id,omitempty"`
	Title     string     `json:"title"`
	Completed bool       `json:"completed"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	DueDate   string     `json:"due_date,omitempty"`
}

// Summary reports the outcome of an import. Skipped records are a counted
// result, not an error.
type Summary struct {
	Imported int `json:"imported_count"`
	Skipped  int `json:"skipped_count"`
}

// Codec serializes task selections to documents and restores tasks from
// them. It talks to the Store only, never to the persistence adapter.
type Codec struct {
	store  *Store
	logger *log.Logger
	now    func() time.Time
}

// NewCodec creates a Codec over the given store.
func NewCodec(store *Store, logger *log.Logger) *Codec {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Codec{store: store, logger: logger, now: time.Now}
}

// Export resolves every id to a task and produces a document. It is
// all-or-nothing: an empty id set is a ValidationError and any unresolved id
// fails the whole export with a NotFoundError naming the missing ids.
// Records are ordered by ascending id for determinism.
func (c *Codec) Export(ctx context.Context, ids []int64) (*Document, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, domain.Validationf("id set must not be empty")
	}

	records := make([]Record, 0, len(ids))
	var missing []int64
	for _, id := range ids {
		task, err := c.store.Get(ctx, id)
		if err != nil {
			var nf *domain.NotFoundError
			if errors.As(err, &nf) {
				missing = append(missing, id)
				continue
			}
			return nil, err
		}
		created := task.CreatedAt
		rec := Record{
			ID:        task.ID,
			Title:     task.Title,
			Completed: task.Completed,
			CreatedAt: &created,
		}
		if task.DueDate != nil {
			rec.DueDate = task.DueDate.Format(time.RFC3339)
		}
		records = append(records, rec)
	}
	if len(missing) > 0 {
		return nil, domain.NotFound(missing...)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	doc := &Document{
		Meta: Meta{
			ExportID:   uuid.NewString(),
			ExportedAt: c.now().UTC(),
			TaskCount:  len(records),
			Producer:   docProducer,
			Version:    docVersion,
		},
		Tasks: records,
	}
	c.logger.WithFields(log.Fields{
		"export_id":  doc.Meta.ExportID,
		"task_count": doc.Meta.TaskCount,
	}).Info("tasks exported")
	return doc, nil
}

// Encode renders the document as indented JSON with stable key order.
func (d *Document) Encode() ([]byte, error) {
	return sonic.MarshalIndent(d, "", "  ")
}

// Import restores tasks from document bytes. The top-level structure must be
// an object with a "tasks" array; anything else is a ValidationError. Each
// record is processed independently: malformed records, empty titles and
// duplicate titles are skipped and counted, never treated as failures, and
// existing tasks are never updated.
func (c *Codec) Import(ctx context.Context, data []byte) (Summary, error) {
	var envelope struct {
		Tasks sonic.NoCopyRawMessage `json:"tasks"`
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		return Summary{}, domain.Validationf("document is not valid JSON: %v", err)
	}
	if envelope.Tasks == nil || string(envelope.Tasks) == "null" {
		return Summary{}, domain.Validationf(`document has no "tasks" field`)
	}
	var rawRecords []sonic.NoCopyRawMessage
	if err := sonic.Unmarshal(envelope.Tasks, &rawRecords); err != nil {
		return Summary{}, domain.Validationf(`"tasks" is not an array`)
	}

	var summary Summary
	for _, raw := range rawRecords {
		rec, ok := decodeRecord(raw)
		if !ok {
			summary.Skipped++
			continue
		}
		title := strings.TrimSpace(rec.Title)
		if title == "" {
			summary.Skipped++
			continue
		}

		// Fast path; the conditional insert below stays the race-safe
		// authority on duplicates.
		exists, err := c.store.ExistsByTitle(ctx, title)
		if err != nil {
			return Summary{}, err
		}
		if exists {
			summary.Skipped++
			continue
		}

		var due *time.Time
		if rec.DueDate != "" {
			parsed, err := ParseDueDate(rec.DueDate)
			if err != nil {
				summary.Skipped++
				continue
			}
			due = &parsed
		}

		_, inserted, err := c.store.CreateIfAbsent(ctx, title, rec.Completed, due)
		if err != nil {
			return Summary{}, err
		}
		if inserted {
			summary.Imported++
		} else {
			summary.Skipped++
		}
	}

	c.logger.WithFields(log.Fields{
		"imported": summary.Imported,
		"skipped":  summary.Skipped,
	}).Info("tasks imported")
	return summary, nil
}

func decodeRecord(raw sonic.NoCopyRawMessage) (Record, bool) {
	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// dueDateFormats lists accepted due-date forms: RFC 3339 plus the legacy
// space-separated and date-only forms.
var dueDateFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDueDate parses a due date in any accepted form, normalized to UTC.
func ParseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range dueDateFormats {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
