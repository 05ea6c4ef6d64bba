package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/client"
	"github.com/Sternrassler/zammad-extract/pkg/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLookup(t *testing.T, name string) Definition {
	t.Helper()
	d, err := Lookup(name)
	require.NoError(t, err)
	return d
}

func TestCatalog_Valid(t *testing.T) {
	names := map[string]bool{}
	for _, d := range Catalog() {
		assert.NoError(t, d.Validate(), d.Name)
		names[d.Name] = true
	}
	assert.Len(t, names, 5)

	tags := mustLookup(t, Tags)
	assert.True(t, tags.IsChild())
	assert.Equal(t, Tickets, tags.Parent)
}

func TestDefinition_Validate(t *testing.T) {
	d := mustLookup(t, Tags)
	d.Parent = ""
	assert.Error(t, d.Validate(), "placeholders without parent")

	d = mustLookup(t, Users)
	d.ReplicationKey = ""
	assert.Error(t, d.Validate())

	d = mustLookup(t, Groups)
	d.Path = ""
	assert.Error(t, d.Validate())
}

func TestDefinition_Endpoint(t *testing.T) {
	tags := mustLookup(t, Tags)

	path, err := tags.Endpoint(Context{"ticket_id": int64(42)})
	require.NoError(t, err)
	assert.Equal(t, "/tags?object=Ticket&o_id=42", path)

	_, err = tags.Endpoint(nil)
	assert.ErrorIs(t, err, ErrMissingParentContext)

	_, err = tags.Endpoint(Context{"user_id": 1})
	assert.ErrorIs(t, err, ErrMissingParentContext)

	users := mustLookup(t, Users)
	path, err = users.Endpoint(nil)
	require.NoError(t, err)
	assert.Equal(t, "/users/search", path)
}

func TestSelect(t *testing.T) {
	defs, err := Select([]string{Tags})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, Tickets, defs[0].Name)
	assert.Equal(t, Tags, defs[1].Name)

	defs, err = Select(nil)
	require.NoError(t, err)
	assert.Len(t, defs, len(Catalog()))

	_, err = Select([]string{"articles"})
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:15:30Z", want},
		{"2024-03-01T10:15:30.123Z", want.Add(123 * time.Millisecond)},
		{"2024-03-01T11:15:30+01:00", want},
		{"2024-03-01T10:15:30", want},
		{"2024-03-01 10:15:30", want},
		{"2024-03-01T10:15:30.123456", want.Add(123456 * time.Microsecond)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestParseRecords_Tickets(t *testing.T) {
	d := mustLookup(t, Tickets)
	body := []byte(`{
		"tickets": [3, 1, 2],
		"tickets_count": 3,
		"assets": {"Ticket": {
			"1": {"id": 1, "title": "a", "updated_at": "2024-01-02T10:00:00.000Z"},
			"2": {"id": 2, "title": "b", "updated_at": "2024-01-03T10:00:00.000Z"},
			"3": {"id": 3, "title": "c", "updated_at": "2024-01-01T10:00:00.000Z"}
		}}
	}`)

	records, count, err := d.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"3", "1", "2"}, []string{records[0].ID, records[1].ID, records[2].ID})
	assert.True(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).Equal(records[0].UpdatedAt))
	assert.JSONEq(t, `{"id": 3, "title": "c", "updated_at": "2024-01-01T10:00:00.000Z"}`, string(records[0].Data))
}

func TestParseRecords_TicketsWithoutOrder(t *testing.T) {
	d := mustLookup(t, Tickets)
	d.OrderPath = ""
	body := []byte(`{"tickets_count": 2, "assets": {"Ticket": {
		"9": {"id": 9, "updated_at": "2024-01-02T00:00:00Z"},
		"4": {"id": 4, "updated_at": "2024-01-01T00:00:00Z"}
	}}}`)

	records, _, err := d.ParseResponse(body)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "4", records[0].ID)
	assert.Equal(t, "9", records[1].ID)
}

func TestParseRecords_TicketMissingFromAssets(t *testing.T) {
	d := mustLookup(t, Tickets)

	bodies := [][]byte{
		[]byte(`{"tickets": [1, 2], "tickets_count": 2, "assets": {"Ticket": {
			"1": {"id": 1, "updated_at": "2024-01-02T10:00:00Z"}
		}}}`),
		[]byte(`{"tickets": [5], "tickets_count": 1, "assets": {}}`),
	}
	for _, body := range bodies {
		_, _, err := d.ParseResponse(body)
		assert.ErrorIs(t, err, ErrInvalidResponse, string(body))
	}
}

func TestParseRecords_EmptySearch(t *testing.T) {
	d := mustLookup(t, Tickets)

	// an empty search has no assets at all
	records, count, err := d.ParseResponse([]byte(`{"tickets": [], "tickets_count": 0, "assets": {}}`))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, count)

	_, _, err = d.ParseResponse([]byte(`{"assets": {}}`))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseRecords_Array(t *testing.T) {
	d := mustLookup(t, Users)
	body := []byte(`[
		{"id": 10, "login": "a", "updated_at": "2024-02-01T08:00:00Z"},
		{"id": 11, "login": "b", "updated_at": "2024-02-01T09:00:00Z"}
	]`)

	records, count, err := d.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "11", records[1].ID)
}

func TestParseRecords_Invalid(t *testing.T) {
	d := mustLookup(t, Users)

	bodies := [][]byte{
		[]byte(`not json`),
		[]byte(`"a string"`),
		[]byte(`[1, 2]`),
		[]byte(`[{"id": 1, "updated_at": "someday"}]`),
	}
	for _, body := range bodies {
		_, _, err := d.ParseResponse(body)
		assert.ErrorIs(t, err, ErrInvalidResponse, string(body))
	}
}

func TestParseTags(t *testing.T) {
	d := mustLookup(t, Tags)

	records, count, err := d.ParseResponse([]byte(`{"tags": []}`))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, count)

	records, count, err = d.ParseResponse([]byte(`{"tags": ["vip", "billing"]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"tags": ["vip", "billing"]}`, string(records[0].Data))

	_, _, err = d.ParseResponse([]byte(`{"error": "nope"}`))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestDecorate(t *testing.T) {
	rec := pagination.Record{Data: json.RawMessage(`{"tags": ["a"]}`)}

	got, err := Decorate(rec, Context{"ticket_id": int64(7)}, "ticket_id")
	require.NoError(t, err)
	assert.Equal(t, "7", got.ID)
	assert.JSONEq(t, `{"tags": ["a"], "ticket_id": 7}`, string(got.Data))

	same, err := Decorate(rec, nil, "ticket_id")
	require.NoError(t, err)
	assert.Equal(t, rec, same)

	_, err = Decorate(pagination.Record{Data: json.RawMessage(`[1]`)}, Context{"ticket_id": 1}, "")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestTicketContext(t *testing.T) {
	d := mustLookup(t, Tickets)

	ctx, err := d.ChildContext(pagination.Record{Data: json.RawMessage(`{"id": 1234, "title": "x"}`)})
	require.NoError(t, err)
	assert.Equal(t, Context{"ticket_id": int64(1234)}, ctx)

	_, err = d.ChildContext(pagination.Record{Data: json.RawMessage(`{"title": "x"}`)})
	assert.Error(t, err)
}

type fakeAPI struct {
	body  string
	paths []string
}

func (f *fakeAPI) Get(_ context.Context, path string, params url.Values) (*client.Response, error) {
	f.paths = append(f.paths, path)
	return &client.Response{
		StatusCode: 200,
		Body:       []byte(f.body),
		URL:        &url.URL{Path: path, RawQuery: params.Encode()},
	}, nil
}

func TestFetcher_DecoratesChildRecords(t *testing.T) {
	d := mustLookup(t, Tags)
	api := &fakeAPI{body: `{"tags": ["urgent"]}`}
	parent := Context{"ticket_id": int64(99)}

	endpoint, err := d.Endpoint(parent)
	require.NoError(t, err)

	page, err := NewFetcher(api, &d, parent).FetchPage(context.Background(), endpoint, url.Values{})
	require.NoError(t, err)

	assert.Equal(t, []string{"/tags?object=Ticket&o_id=99"}, api.paths)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "99", page.Records[0].ID)
	assert.JSONEq(t, `{"tags": ["urgent"], "ticket_id": 99}`, string(page.Records[0].Data))
	assert.Equal(t, 1, page.Count)
	assert.NotNil(t, page.RequestURL)
}

func TestFetcher_ParseError(t *testing.T) {
	d := mustLookup(t, Users)
	api := &fakeAPI{body: `{"error": "boom"}`}

	_, err := NewFetcher(api, &d, nil).FetchPage(context.Background(), d.Path, url.Values{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
