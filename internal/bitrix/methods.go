package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/refreshg/Vian/internal/normalize"
)

// CRM entity type of deals in crm.stagehistory.list.
const dealEntityType = 2

// DealQuery selects deals created within [Start, End] in one pipeline.
type DealQuery struct {
	Start      time.Time
	End        time.Time
	CategoryID string
	Select     []string
}

// dateFilter formats t for a DATE_CREATE filter. The end bound is pushed to
// the last second of its day so the range is inclusive.
func dateFilter(t time.Time, endOfDay bool) string {
	if endOfDay {
		return t.Format("2006-01-02") + "T23:59:59"
	}
	return t.Format("2006-01-02") + "T00:00:00"
}

// Deals fetches every deal matching q via crm.deal.list, following
// start/next pagination.
func (c *Client) Deals(ctx context.Context, q DealQuery) ([]normalize.Record, error) {
	filter := map[string]string{
		">=DATE_CREATE": dateFilter(q.Start, false),
		"<=DATE_CREATE": dateFilter(q.End, true),
	}
	if q.CategoryID != "" {
		filter["CATEGORY_ID"] = q.CategoryID
	}

	var all []normalize.Record
	start := 0
	for {
		body := map[string]any{
			"SELECT": q.Select,
			"FILTER": filter,
			"ORDER":  map[string]string{"DATE_CREATE": "DESC"},
			"start":  start,
		}
		resp, err := c.call(ctx, "crm.deal.list", body)
		if err != nil {
			return nil, err
		}
		page, err := decodeRecords(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("bitrix: crm.deal.list: %w", err)
		}
		all = append(all, page...)
		slog.Debug("bitrix: deal page fetched", "start", start, "count", len(page))

		if resp.Next == nil || *resp.Next <= start || len(page) < c.cfg.PageSize {
			break
		}
		start = *resp.Next
	}
	return all, nil
}

// Stages is a pipeline's stage list.
type Stages struct {
	Names map[string]string
	Order []string
}

// StatusEntityID returns the crm.status.list ENTITY_ID for a pipeline's
// stages: DEAL_STAGE for the default pipeline, DEAL_STAGE_{id} otherwise.
func StatusEntityID(categoryID string) string {
	if categoryID == "" || categoryID == "0" {
		return "DEAL_STAGE"
	}
	return "DEAL_STAGE_" + categoryID
}

// Stages fetches the stage names and pipeline order for categoryID.
func (c *Client) Stages(ctx context.Context, categoryID string) (Stages, error) {
	items, err := c.statuses(ctx, StatusEntityID(categoryID))
	if err != nil {
		return Stages{}, err
	}
	out := Stages{Names: make(map[string]string, len(items))}
	for _, it := range items {
		if _, dup := out.Names[it.id]; !dup {
			out.Order = append(out.Order, it.id)
		}
		out.Names[it.id] = it.name
	}
	return out, nil
}

// Sources fetches the deal source names.
func (c *Client) Sources(ctx context.Context) (map[string]string, error) {
	items, err := c.statuses(ctx, "SOURCE")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.id] = it.name
	}
	return out, nil
}

type status struct{ id, name string }

func (c *Client) statuses(ctx context.Context, entityID string) ([]status, error) {
	resp, err := c.call(ctx, "crm.status.list", map[string]any{
		"FILTER": map[string]string{"ENTITY_ID": entityID},
		"ORDER":  map[string]string{"SORT": "ASC"},
	})
	if err != nil {
		return nil, err
	}
	recs, err := decodeRecords(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("bitrix: crm.status.list: %w", err)
	}
	out := make([]status, 0, len(recs))
	for _, r := range recs {
		id, name := normalize.String(r["STATUS_ID"]), normalize.String(r["NAME"])
		if id != "" && name != "" {
			out = append(out, status{id: id, name: name})
		}
	}
	return out, nil
}

// FieldOptions fetches crm.deal.fields once and returns, for each requested
// field, its enumeration options as option ID → value. Fields that are
// absent or not enumerations map to an empty map.
func (c *Client) FieldOptions(ctx context.Context, fieldIDs ...string) (map[string]map[string]string, error) {
	resp, err := c.call(ctx, "crm.deal.fields", struct{}{})
	if err != nil {
		return nil, err
	}
	var fields map[string]struct {
		Items []option `json:"items"`
		List  []option `json:"list"`
		LIST  []option `json:"LIST"`
	}
	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		if err := json.Unmarshal(resp.Result, &fields); err != nil {
			return nil, fmt.Errorf("bitrix: crm.deal.fields: decode: %w", err)
		}
	}

	out := make(map[string]map[string]string, len(fieldIDs))
	for _, id := range fieldIDs {
		opts := make(map[string]string)
		f := fields[id]
		items := f.Items
		if items == nil {
			items = f.List
		}
		if items == nil {
			items = f.LIST
		}
		for _, o := range items {
			if k := normalize.String(o.ID); k != "" {
				opts[k] = normalize.String(o.Value)
			}
		}
		out[id] = opts
	}
	return out, nil
}

type option struct {
	ID    any `json:"ID"`
	Value any `json:"VALUE"`
}

// StageHistory fetches stage-change records for dealIDs via
// crm.stagehistory.list, querying HistoryChunkSize owners at a time.
func (c *Client) StageHistory(ctx context.Context, dealIDs []string) ([]normalize.Record, error) {
	var all []normalize.Record
	for i := 0; i < len(dealIDs); i += c.cfg.HistoryChunkSize {
		chunk := dealIDs[i:min(i+c.cfg.HistoryChunkSize, len(dealIDs))]
		recs, err := c.historyChunk(ctx, ownerFilter(chunk))
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

func (c *Client) historyChunk(ctx context.Context, owners any) ([]normalize.Record, error) {
	var all []normalize.Record
	start := 0
	for {
		resp, err := c.call(ctx, "crm.stagehistory.list", map[string]any{
			"entityTypeId": dealEntityType,
			"filter":       map[string]any{"OWNER_ID": owners},
			"order":        map[string]string{"OWNER_ID": "ASC", "CREATED_TIME": "ASC"},
			"select":       []string{"ID", "OWNER_ID", "STAGE_ID", "CREATED_TIME"},
			"start":        start,
		})
		if err != nil {
			return nil, err
		}
		items, next, err := decodeHistoryPage(resp)
		if err != nil {
			return nil, fmt.Errorf("bitrix: crm.stagehistory.list: %w", err)
		}
		all = append(all, items...)

		if len(items) == 0 || next == nil || *next == start {
			break
		}
		start = *next
	}
	return all, nil
}

// ownerFilter returns the chunk as positive integers when any parse,
// otherwise the raw strings.
func ownerFilter(ids []string) any {
	nums := make([]int64, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
			nums = append(nums, n)
		}
	}
	if len(nums) > 0 {
		return nums
	}
	return ids
}

// decodeHistoryPage accepts both result shapes: a bare array with a
// top-level next, or {"items": [...], "next": N}.
func decodeHistoryPage(resp *response) ([]normalize.Record, *int, error) {
	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}
	if raw[0] == '[' {
		recs, err := decodeRecords(raw)
		return recs, resp.Next, err
	}
	var wrapped struct {
		Items json.RawMessage `json:"items"`
		Next  *int            `json:"next"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	next := resp.Next
	if wrapped.Next != nil {
		next = wrapped.Next
	}
	if len(wrapped.Items) == 0 {
		return nil, next, nil
	}
	recs, err := decodeRecords(wrapped.Items)
	return recs, next, err
}

func decodeRecords(raw json.RawMessage) ([]normalize.Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	return normalize.DecodeList(raw)
}
