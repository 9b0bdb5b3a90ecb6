// Package extract drives bulk read jobs from creation to downloaded payloads.
//
// The Bulk Read API exports at most one result page per job, and a job only
// tells whether more pages exist once it has completed. A Driver therefore
// creates one job per page, a Monitor polls each job to a terminal state, and
// a Collector downloads every completed job into an Accumulator.
//
// Example usage:
//
//	cfg := extract.DefaultConfig("Leads")
//	cfg.Strategy = extract.StrategyToken
//	driver, err := extract.NewDriver(crmClient, cfg)
//	result, err := driver.Run(ctx)
//
// Two strategies are available:
//   - StrategyPage: jobs for pages 1, 2, 3... one at a time; the next job is
//     created only after the previous one completed and its download was tried
//   - StrategyToken: each job continues from the previous job's
//     next_page_token and runs as its own unit, so downloads overlap with the
//     lifecycle of later jobs (at most MaxInFlight units at once)
//
// Failures follow one policy in both strategies:
//   - creation failure, status failure or a FAILED/DELETED/SKIPPED job stops
//     pagination and returns what was collected so far
//   - a failed download is logged and pagination continues
//   - a panic or a cancelled context returns an empty Result and ErrUnexpected
package extract
