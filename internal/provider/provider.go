package provider

import (
	"context"
	"io"
)

// Scenario is one entry of the CRM scenario catalog.
type Scenario struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CallProvider is the contract the pipeline and the scenario cache need
// from the call-tracking CRM.
//
// Rules:
// - No CRM HTTP calls outside this package.
// - Token handling is an implementation detail; callers never see tokens.
type CallProvider interface {
	// Scenarios fetches the full scenario catalog.
	Scenarios(ctx context.Context) ([]Scenario, error)

	// Recording streams the call recording for a call id. The caller owns
	// the returned reader and must close it. Recordings become available
	// some time after the call-result webhook, so a miss here is an
	// expected condition, not an outage.
	Recording(ctx context.Context, callID int64) (io.ReadCloser, error)
}
