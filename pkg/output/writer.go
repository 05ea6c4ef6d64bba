// Package output writes extracted records as Singer JSON lines: one RECORD
// message per record and STATE messages carrying the checkpoints.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/state"
)

// Message types.
const (
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

// RecordMessage is a single extracted record.
type RecordMessage struct {
	Type          string          `json:"type"`
	Stream        string          `json:"stream"`
	Record        json.RawMessage `json:"record"`
	TimeExtracted time.Time       `json:"time_extracted"`
}

// StateMessage carries the checkpoints of all streams.
type StateMessage struct {
	Type  string      `json:"type"`
	Value state.State `json:"value"`
}

// Writer serializes messages, one per line. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time

	records int
	states  int
}

// NewWriter creates a writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w), now: time.Now}
}

// WriteRecord writes a RECORD message.
func (w *Writer) WriteRecord(stream string, record json.RawMessage) error {
	if !json.Valid(record) {
		return fmt.Errorf("record for stream %s is not valid JSON", stream)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	msg := RecordMessage{
		Type:          TypeRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: w.now().UTC(),
	}
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.records++
	return nil
}

// WriteState writes a STATE message.
func (w *Writer) WriteState(st state.State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st.Bookmarks == nil {
		st.Bookmarks = map[string]state.Bookmark{}
	}
	if err := w.enc.Encode(StateMessage{Type: TypeState, Value: st}); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	w.states++
	return nil
}

// Counts returns the number of RECORD and STATE messages written.
func (w *Writer) Counts() (records, states int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records, w.states
}
