// Package pagination walks the Zammad search endpoints page by page.
//
// A search query returns at most 10,000 results; pages past that point come
// back empty without any error. To extract more, the loop splits the work
// into updated_at windows:
//
//   - results are requested in ascending updated_at order
//   - when the pages of one window add up to a multiple of 10,000 results,
//     the updated_at of the last record received, minus one day, becomes the
//     new window floor and paging restarts at page 1
//   - a page shorter than the page size ends the run
//
// The filter only has day granularity. If more than 10,000 records share a
// single day, the floor cannot move with a one-day lookback; the policy then
// pushes the floor one day forward and reports a coverage gap. Records of
// that day beyond the cap are not extracted.
//
// Example usage:
//
//	loop, err := pagination.NewLoop(pagination.Config{
//		Stream:   "tickets",
//		Endpoint: "/tickets/search",
//		Options: pagination.Options{
//			Mode:           pagination.ModeSearchWindow,
//			PageSize:       pagination.DefaultPageSize,
//			ReplicationKey: "updated_at",
//		},
//	})
//	progress, err := loop.Run(ctx, fetcher, pagination.NewCursor(checkpoint), emit)
//
// The loop is sequential. One loop owns its cursor; pages are never fetched
// concurrently for the same record type.
package pagination
