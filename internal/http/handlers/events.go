// Package handlers provides HTTP API handlers for streamhawk.
package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/ingest"
)

// EventsHandler ingests browser events: webRequest sightings, DOM sightings,
// and tab lifecycle notifications.
type EventsHandler struct {
	svc *ingest.Service
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(svc *ingest.Service) *EventsHandler {
	return &EventsHandler{svc: svc}
}

// AckBody is the generic acknowledgement body.
type AckBody struct {
	Accepted bool `json:"accepted"`
}

// AckOutput is the generic acknowledgement output.
type AckOutput struct {
	Body AckBody
}

// WebRequestInput is the input for a network sighting.
type WebRequestInput struct {
	Body ingest.WebRequestEvent
}

// DOMInput is the input for an in-page sighting.
type DOMInput struct {
	Body ingest.DOMEvent
}

// TabInput identifies a tab lifecycle event.
type TabInput struct {
	Body struct {
		TabID int64 `json:"tabId"`
	}
}

// Register registers the event routes with the API.
func (h *EventsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "reportWebRequest",
		Method:      "POST",
		Path:        "/api/v1/events/webrequest",
		Summary:     "Report a network sighting",
		Description: "Classifies a webRequest response and records any discovered stream",
		Tags:        []string{"Events"},
	}, h.WebRequest)

	huma.Register(api, huma.Operation{
		OperationID: "reportDOM",
		Method:      "POST",
		Path:        "/api/v1/events/dom",
		Summary:     "Report an in-page sighting",
		Description: "Classifies a DOM-reported URL and records any discovered stream",
		Tags:        []string{"Events"},
	}, h.DOM)

	huma.Register(api, huma.Operation{
		OperationID: "tabClosed",
		Method:      "POST",
		Path:        "/api/v1/events/tab-closed",
		Summary:     "Report a closed tab",
		Description: "Drops all detection state and UI positions for the tab",
		Tags:        []string{"Events"},
	}, h.TabClosed)

	huma.Register(api, huma.Operation{
		OperationID: "tabNavigated",
		Method:      "POST",
		Path:        "/api/v1/events/navigated",
		Summary:     "Report a top-frame navigation",
		Description: "Resets detection state for the tab; downloads continue",
		Tags:        []string{"Events"},
	}, h.Navigated)
}

// WebRequest handles one network sighting.
func (h *EventsHandler) WebRequest(ctx context.Context, input *WebRequestInput) (*AckOutput, error) {
	h.svc.HandleWebRequest(ctx, input.Body)
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// DOM handles one in-page sighting.
func (h *EventsHandler) DOM(ctx context.Context, input *DOMInput) (*AckOutput, error) {
	h.svc.HandleDOM(ctx, input.Body)
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// TabClosed handles a tab close event.
func (h *EventsHandler) TabClosed(ctx context.Context, input *TabInput) (*AckOutput, error) {
	h.svc.TabClosed(ctx, input.Body.TabID)
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// Navigated handles a top-frame navigation commit.
func (h *EventsHandler) Navigated(ctx context.Context, input *TabInput) (*AckOutput, error) {
	h.svc.Navigated(ctx, input.Body.TabID)
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}
