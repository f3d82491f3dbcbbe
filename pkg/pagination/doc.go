// Package pagination walks the Okta System Log one page at a time.
//
// The System Log is cursor paginated: every successful response carries a
// Link header whose rel="next" URL is the only way to reach the following
// page. There is no page count, so pages are fetched strictly in sequence.
//
// Example usage:
//
//	pager, err := pagination.NewPager(oktaClient, pagination.DefaultConfig(oktaClient.OrgURL()))
//	page, err := pager.Fetch(ctx, storedCursor)
//	// forward page.Events, then persist page.Next
//
// The pager:
//   - Builds {org}/api/v1/logs?limit=1000 when no cursor is stored
//   - Fetches a stored cursor verbatim
//   - Decodes the body as a JSON array of objects
//   - Hands responses without a next link to client.Classify
//
// It never reads or writes the checkpoint.
package pagination
