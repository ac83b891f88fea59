package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RequestType classifies a normalized request.
type RequestType string

const (
	RequestTypeAlteration RequestType = "alteration"
	RequestTypeOrder      RequestType = "order"
	RequestTypeStitching  RequestType = "stitching"
)

// PayloadItem is one requested line of a normalized request.
type PayloadItem struct {
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	Size           string `json:"size,omitempty"`
	Color          string `json:"color,omitempty"`
	Fabric         string `json:"fabric,omitempty"`
	AlterationType string `json:"alteration_type,omitempty"`
	Measurement    string `json:"measurement,omitempty"`
}

// TimeWindow is a customer's preferred slot, in free-form or RFC 3339 text.
type TimeWindow struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// NormalizedPayload is the structured form of a request. It is stored in
// the request's open payload map, alongside workflow markers.
type NormalizedPayload struct {
	Type             RequestType   `json:"type"`
	Items            []PayloadItem `json:"items"`
	RequiredSkills   []string      `json:"required_skills,omitempty"`
	EstimatedMinutes int           `json:"estimated_minutes,omitempty"`
	PreferredWindow  *TimeWindow   `json:"preferred_window,omitempty"`
	Notes            string        `json:"notes,omitempty"`
}

// ItemsFromMap reads the requested items of a stored payload one at a time,
// so one badly typed item does not hide the others. A numeric string is
// accepted for qty. Items that still cannot be read are reported as errors
// and left out. The result is nil when the payload has no items list.
func ItemsFromMap(m map[string]any) ([]PayloadItem, []error) {
	raw, ok := m["items"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, []error{fmt.Errorf("items: expected a list, got %T", raw)}
	}

	items := make([]PayloadItem, 0, len(list))
	var errs []error
	for i, elem := range list {
		item, err := itemFromAny(elem)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		items = append(items, item)
	}
	return items, errs
}

func itemFromAny(elem any) (PayloadItem, error) {
	obj, ok := elem.(map[string]any)
	if !ok {
		return PayloadItem{}, fmt.Errorf("expected an object, got %T", elem)
	}
	if q, ok := obj["qty"].(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(q))
		if err != nil {
			return PayloadItem{}, fmt.Errorf("qty %q is not a number", q)
		}
		copied := make(map[string]any, len(obj))
		for k, v := range obj {
			copied[k] = v
		}
		copied["qty"] = n
		obj = copied
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return PayloadItem{}, fmt.Errorf("encode: %w", err)
	}
	var item PayloadItem
	if err := json.Unmarshal(data, &item); err != nil {
		return PayloadItem{}, fmt.Errorf("decode: %w", err)
	}
	if item.SKU == "" {
		return PayloadItem{}, fmt.Errorf("sku is required")
	}
	return item, nil
}

// Map converts the payload to the open map stored on a request.
func (p *NormalizedPayload) Map() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// Validate checks the minimum a model-normalized payload must carry.
func (p *NormalizedPayload) Validate() error {
	switch p.Type {
	case RequestTypeAlteration, RequestTypeOrder, RequestTypeStitching:
	default:
		return fmt.Errorf("unknown request type %q", p.Type)
	}
	for i, item := range p.Items {
		if item.SKU == "" {
			return fmt.Errorf("item %d: sku is required", i)
		}
		if item.Qty <= 0 {
			return fmt.Errorf("item %d: qty must be positive", i)
		}
	}
	return nil
}
