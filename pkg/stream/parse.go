package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/pagination"
	"github.com/tidwall/gjson"
)

// ErrInvalidResponse is returned when a response body does not have the
// shape a record type expects.
var ErrInvalidResponse = errors.New("invalid response")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an API timestamp. Values without a zone are UTC;
// fractional seconds are accepted with or without a zone.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseRecords is the default parser. It reads the record list at
// RecordsPath (an array, or an object keyed by id) and the count at
// CountPath.
func ParseRecords(d *Definition, body []byte) ([]pagination.Record, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("%w: stream %s: body is not valid JSON", ErrInvalidResponse, d.Name)
	}
	root := gjson.ParseBytes(body)

	list := root
	if d.RecordsPath != "" {
		list = root.Get(d.RecordsPath)
	}

	var items []gjson.Result
	switch {
	case !list.Exists() || list.Type == gjson.Null:
		if d.OrderPath != "" && len(root.Get(d.OrderPath).Array()) > 0 {
			return nil, 0, fmt.Errorf("%w: stream %s: %q lists ids but %q is missing",
				ErrInvalidResponse, d.Name, d.OrderPath, d.RecordsPath)
		}
	case list.IsArray():
		items = list.Array()
	case list.IsObject():
		var err error
		if items, err = orderedValues(d, root, list); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("%w: stream %s: %q is not a list", ErrInvalidResponse, d.Name, d.RecordsPath)
	}

	records := make([]pagination.Record, 0, len(items))
	for _, item := range items {
		rec, err := toRecord(d, item)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	count := len(records)
	if d.CountPath != "" {
		c := root.Get(d.CountPath)
		if !c.Exists() {
			return nil, 0, fmt.Errorf("%w: stream %s: missing %q", ErrInvalidResponse, d.Name, d.CountPath)
		}
		count = int(c.Int())
	}
	return records, count, nil
}

// orderedValues returns the values of an object keyed by id, in the order
// given at OrderPath or, without one, ascending on the replication key.
// Every id at OrderPath must have a value.
func orderedValues(d *Definition, root, list gjson.Result) ([]gjson.Result, error) {
	byID := list.Map()

	if d.OrderPath != "" {
		order := root.Get(d.OrderPath)
		if order.IsArray() {
			items := make([]gjson.Result, 0, len(byID))
			for _, id := range order.Array() {
				v, ok := byID[id.String()]
				if !ok {
					return nil, fmt.Errorf("%w: stream %s: id %s listed at %q has no record at %q",
						ErrInvalidResponse, d.Name, id.String(), d.OrderPath, d.RecordsPath)
				}
				items = append(items, v)
			}
			return items, nil
		}
	}

	items := make([]gjson.Result, 0, len(byID))
	list.ForEach(func(_, value gjson.Result) bool {
		items = append(items, value)
		return true
	})
	if d.ReplicationKey != "" {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Get(d.ReplicationKey).String() < items[j].Get(d.ReplicationKey).String()
		})
	}
	return items, nil
}

func toRecord(d *Definition, item gjson.Result) (pagination.Record, error) {
	if !item.IsObject() {
		return pagination.Record{}, fmt.Errorf("%w: stream %s: record is not an object", ErrInvalidResponse, d.Name)
	}

	rec := pagination.Record{Data: json.RawMessage(item.Raw)}
	if d.PrimaryKey != "" {
		rec.ID = item.Get(d.PrimaryKey).String()
	}
	if d.ReplicationKey != "" {
		if v := item.Get(d.ReplicationKey); v.Exists() && v.String() != "" {
			ts, err := ParseTimestamp(v.String())
			if err != nil {
				return pagination.Record{}, fmt.Errorf("%w: stream %s record %s: %v", ErrInvalidResponse, d.Name, rec.ID, err)
			}
			rec.UpdatedAt = ts
		}
	}
	return rec, nil
}

// parseTags reads a tag list response. A ticket without tags yields no
// record; otherwise the whole body is one record.
func parseTags(d *Definition, body []byte) ([]pagination.Record, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("%w: stream %s: body is not valid JSON", ErrInvalidResponse, d.Name)
	}
	tags := gjson.GetBytes(body, "tags")
	if !tags.IsArray() {
		return nil, 0, fmt.Errorf("%w: stream %s: missing tags list", ErrInvalidResponse, d.Name)
	}
	if len(tags.Array()) == 0 {
		return nil, 0, nil
	}
	data := make(json.RawMessage, len(body))
	copy(data, body)
	return []pagination.Record{{Data: data}}, 1, nil
}

// Decorate merges the parent context into the record's JSON object.
func Decorate(rec pagination.Record, ctx Context, primaryKey string) (pagination.Record, error) {
	if len(ctx) == 0 {
		return rec, nil
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return rec, fmt.Errorf("%w: decorate record: %v", ErrInvalidResponse, err)
	}
	for k, v := range ctx {
		raw, err := json.Marshal(v)
		if err != nil {
			return rec, fmt.Errorf("encode context %s: %w", k, err)
		}
		fields[k] = raw
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return rec, fmt.Errorf("encode record: %w", err)
	}

	rec.Data = data
	if rec.ID == "" && primaryKey != "" {
		if v, ok := ctx[primaryKey]; ok {
			rec.ID = fmt.Sprint(v)
		}
	}
	return rec, nil
}
