package toybox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Subscription names published by the platform. The per-printer
// subscriptions take the printer reference list as their parameter.
const (
	subUserProfile   = "user_profile"
	subPrinterData   = "multi_printer_data"
	subPrintRequests = "user_printer_requests_all_printers"
)

// Collection names vary between platform versions; candidates are
// probed in order.
var (
	printerStateCollections = []string{"printerStates", "printer_states"}
	printRequestCollections = []string{"toyPrints", "printRequests"}
)

// printerIDKeys are the places a printer id can appear on the synced
// user document, in priority order.
var printerIDKeys = []string{"profile.printer_id", "profile.printerId"}

// Bootstrap subscribes to the profile, derives the account's printer
// ids, and subscribes to the per-printer data feeds. Idempotent: after
// a reconnect it runs again against the empty collection store.
func (c *Client) Bootstrap(ctx context.Context) error {
	if _, err := c.Subscribe(ctx, subUserProfile, nil, true); err != nil {
		return fmt.Errorf("subscribing to profile: %w", err)
	}

	ids := c.derivePrinterIDs()

	c.subMu.Lock()
	c.printerIDs = ids
	c.subMu.Unlock()

	if len(ids) == 0 {
		c.logger.Warn("no printers on account, skipping printer subscriptions")
		c.setSubscribed(true)

		return nil
	}

	refs := make([]any, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, map[string]any{"id": id})
	}

	params := []any{refs}

	if _, err := c.Subscribe(ctx, subPrinterData, params, true); err != nil {
		return fmt.Errorf("subscribing to printer data: %w", err)
	}

	if _, err := c.Subscribe(ctx, subPrintRequests, params, true); err != nil {
		return fmt.Errorf("subscribing to print requests: %w", err)
	}

	c.setSubscribed(true)
	c.logger.Info("printer subscriptions established", slog.Int("printers", len(ids)))

	return nil
}

// derivePrinterIDs extracts printer ids from the synced user document:
// the printers array first (each entry's id or _id), then the profile
// level single-printer fields.
func (c *Client) derivePrinterIDs() []string {
	doc := c.collectionDoc(c.UserID(), "users")
	if doc == nil {
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	var ids []string

	for _, printer := range gjson.GetBytes(raw, "printers").Array() {
		id := printer.Get("id").Str
		if id == "" {
			id = printer.Get("_id").Str
		}

		if id != "" {
			ids = append(ids, id)
		}
	}

	if len(ids) > 0 {
		return ids
	}

	for _, key := range printerIDKeys {
		if id := gjson.GetBytes(raw, key).Str; id != "" {
			return []string{id}
		}
	}

	return nil
}

// PrinterIDs returns the printer ids derived during bootstrap.
func (c *Client) PrinterIDs() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ids := make([]string, len(c.printerIDs))
	copy(ids, c.printerIDs)

	return ids
}

// Subscribed reports whether bootstrap completed on this connection.
func (c *Client) Subscribed() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	return c.subscribed
}

func (c *Client) setSubscribed(v bool) {
	c.subMu.Lock()
	c.subscribed = v
	c.subMu.Unlock()
}

// GetSnapshot assembles the current view of one printer from the synced
// collections: printer status, the active print request, and the last
// completed request. With an empty printerID the first synced printer
// is used. A dead session is recovered first.
func (c *Client) GetSnapshot(ctx context.Context, printerID string) (*Snapshot, error) {
	if !c.Connected() {
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	printer := c.snapshotPrinter(printerID)

	requests := c.printRequests(printer.ID)

	var current, lastCompleted *PrintRequest

	for _, req := range requests {
		if req.IsActive {
			if current == nil || req.CreatedAt.After(current.CreatedAt.Time) {
				current = req
			}
		}

		if req.IsCompleted() && !req.CreatedAt.IsZero() {
			if lastCompleted == nil || req.CreatedAt.After(lastCompleted.CreatedAt.Time) {
				lastCompleted = req
			}
		}
	}

	// The printer itself records its last completed print; when the
	// synced window does not contain it, fetch it on demand.
	if lastCompleted == nil && printer.LastCompletedPrint != "" {
		lastCompleted = c.findRequest(printer.LastCompletedPrint, requests)

		if lastCompleted == nil {
			fetched, err := c.FetchPrintRequests(ctx, []string{printer.LastCompletedPrint})
			if err != nil {
				c.logger.Warn("fetching last completed print",
					slog.String("request_id", printer.LastCompletedPrint),
					slog.String("error", err.Error()),
				)
			} else if len(fetched) > 0 {
				lastCompleted = fetched[0]
			}
		}
	}

	return &Snapshot{
		Printer:              printer,
		CurrentRequest:       current,
		LastCompletedRequest: lastCompleted,
	}, nil
}

// snapshotPrinter selects the printer document for a snapshot. When
// nothing is synced yet a placeholder is returned so callers always get
// a printer to render.
func (c *Client) snapshotPrinter(printerID string) *PrinterStatus {
	if printerID != "" {
		if doc := c.collectionDoc(printerID, printerStateCollections...); doc != nil {
			if p := printerStatusFromDoc(doc); p != nil {
				return p
			}
		}
	}

	for _, doc := range c.collectionDocs(printerStateCollections...) {
		if p := printerStatusFromDoc(doc); p != nil {
			if printerID == "" || p.ID == printerID {
				return p
			}
		}
	}

	id := printerID
	if id == "" {
		id = "unknown"
	}

	return &PrinterStatus{ID: id, Name: "ToyBox"}
}

// printRequests returns the synced print requests, filtered to one
// printer when its id is known.
func (c *Client) printRequests(printerID string) []*PrintRequest {
	docs := c.collectionDocs(printRequestCollections...)

	requests := make([]*PrintRequest, 0, len(docs))

	for _, doc := range docs {
		req := printRequestFromDoc(doc)
		if req == nil {
			continue
		}

		if printerID != "" && printerID != "unknown" && req.PrinterID != "" && req.PrinterID != printerID {
			continue
		}

		requests = append(requests, req)
	}

	return requests
}

func (c *Client) findRequest(id string, requests []*PrintRequest) *PrintRequest {
	for _, req := range requests {
		if req.ID == id {
			return req
		}
	}

	return nil
}

// FetchPrintRequests fetches print requests by id from the server,
// for requests outside the synced window.
func (c *Client) FetchPrintRequests(ctx context.Context, ids []string) ([]*PrintRequest, error) {
	result, err := c.Call(ctx, "getPrintRequestsByIds", map[string]any{"requestIds": ids})
	if err != nil {
		return nil, fmt.Errorf("fetching print requests: %w", err)
	}

	var docs []map[string]any
	if err := json.Unmarshal(result, &docs); err != nil {
		return nil, fmt.Errorf("decoding print requests: %w", err)
	}

	requests := make([]*PrintRequest, 0, len(docs))

	for _, doc := range docs {
		if req := printRequestFromDoc(doc); req != nil {
			requests = append(requests, req)
		}
	}

	return requests, nil
}
