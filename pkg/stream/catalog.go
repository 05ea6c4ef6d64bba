package stream

import (
	"fmt"

	"github.com/Sternrassler/zammad-extract/pkg/pagination"
	"github.com/tidwall/gjson"
)

// Record type names.
const (
	Tickets       = "tickets"
	Tags          = "tags"
	Users         = "users"
	Organizations = "organizations"
	Groups        = "groups"
)

// Catalog returns the Zammad record types in extraction order. Each call
// returns fresh copies.
func Catalog() []Definition {
	return []Definition{
		{
			Name:           Tickets,
			Path:           "/tickets/search",
			PrimaryKey:     "id",
			ReplicationKey: "updated_at",
			Mode:           pagination.ModeSearchWindow,
			PageSize:       pagination.DefaultPageSize,
			RecordsPath:    "assets.Ticket",
			OrderPath:      "tickets",
			CountPath:      "tickets_count",
			ChildContext:   ticketContext,
		},
		{
			Name:       Tags,
			Path:       "/tags?object=Ticket&o_id={ticket_id}",
			PrimaryKey: "ticket_id",
			Mode:       pagination.ModeSinglePage,
			Parent:     Tickets,
			Parse:      parseTags,
		},
		{
			Name:           Users,
			Path:           "/users/search",
			PrimaryKey:     "id",
			ReplicationKey: "updated_at",
			Mode:           pagination.ModeSearchWindow,
			PageSize:       pagination.DefaultPageSize,
		},
		{
			Name:           Organizations,
			Path:           "/organizations/search",
			PrimaryKey:     "id",
			ReplicationKey: "updated_at",
			Mode:           pagination.ModeSearchWindow,
			PageSize:       pagination.DefaultPageSize,
		},
		{
			Name:           Groups,
			Path:           "/groups",
			PrimaryKey:     "id",
			ReplicationKey: "updated_at",
			Mode:           pagination.ModePageNumber,
			PageSize:       50,
		},
	}
}

// Lookup returns the catalog entry named name.
func Lookup(name string) (Definition, error) {
	for _, d := range Catalog() {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %q", ErrUnknownStream, name)
}

// Select returns the catalog entries named in names, in catalog order. A
// selected child pulls in its parent. An empty selection returns the whole
// catalog.
func Select(names []string) ([]Definition, error) {
	all := Catalog()
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))
	for _, name := range names {
		d, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		want[name] = true
		for d.Parent != "" {
			want[d.Parent] = true
			if d, err = Lookup(d.Parent); err != nil {
				return nil, err
			}
		}
	}

	selected := make([]Definition, 0, len(want))
	for _, d := range all {
		if want[d.Name] {
			selected = append(selected, d)
		}
	}
	return selected, nil
}

func ticketContext(rec pagination.Record) (Context, error) {
	id := gjson.GetBytes(rec.Data, "id")
	if !id.Exists() {
		return nil, fmt.Errorf("%w: ticket record without id", ErrInvalidResponse)
	}
	return Context{"ticket_id": id.Int()}, nil
}
