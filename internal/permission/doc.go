// Package permission deduplicates answers to tool-use permission requests.
//
// A wrapped CLI subprocess can ask "may I run this tool?" while both a
// human at the IDE's own stdin and a web client attached through the
// backend are able to answer. Tracker tracks one outstanding Request per
// RequestID and guarantees exactly one of those two answers takes effect,
// turning the race into a single Resolve/Wait pair:
//
//	tr := permission.NewTracker()
//	wait := tr.Register(req)
//	// ... hand req to both the IDE-stdin path and the backend relay ...
//	resp, err := wait(ctx)
//	if permission.IsRejectedError(err) {
//		// deny the tool call
//	}
package permission
