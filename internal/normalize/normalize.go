package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/refreshg/Vian/pkg/types"
)

// ErrNotAList is returned when a deals or events payload is not a JSON array.
var ErrNotAList = errors.New("payload is not a list")

// Record is one raw CRM object as decoded from JSON.
type Record = map[string]any

// Bitrix deal field names.
const (
	fieldID          = "ID"
	fieldTitle       = "TITLE"
	fieldOpportunity = "OPPORTUNITY"
	fieldStageID     = "STAGE_ID"
	fieldCategoryID  = "CATEGORY_ID"
	fieldDateCreate  = "DATE_CREATE"
	fieldSourceID    = "SOURCE_ID"
)

// FieldMap names the custom (UF_CRM_*) fields that carry deal attributes.
type FieldMap struct {
	Department string
	Comment    string
	Country    string

	// RejectionReason is the default rejection-reason field.
	RejectionReason string

	// RejectionByCategory overrides RejectionReason per pipeline: pipelines
	// created at different times got different custom fields.
	RejectionByCategory map[string]string
}

// DefaultFields is the field layout of the production portal.
var DefaultFields = FieldMap{
	Department:      "UF_CRM_1758023694929",
	Comment:         "UF_CRM_1768995573895",
	Country:         "UF_CRM_1769688668259",
	RejectionReason: "UF_CRM_1753862633986",
	RejectionByCategory: map[string]string{
		"3": "UF_CRM_1753861857976",
	},
}

// RejectionField returns the rejection-reason field for the given pipeline.
func (f FieldMap) RejectionField(categoryID string) string {
	if id, ok := f.RejectionByCategory[categoryID]; ok && id != "" {
		return id
	}
	return f.RejectionReason
}

// Select returns every field a deal list request must select for fields.
func (f FieldMap) Select() []string {
	out := []string{
		fieldID, fieldTitle, fieldOpportunity, fieldStageID,
		fieldDateCreate, fieldCategoryID, fieldSourceID,
	}
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s] = true
	}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(f.Department)
	add(f.RejectionReason)
	for _, id := range sortedValues(f.RejectionByCategory) {
		add(id)
	}
	add(f.Comment)
	add(f.Country)
	return out
}

// DecodeList decodes data as a JSON array of objects. Non-object elements
// are dropped. Numbers are kept as json.Number so large IDs stay exact.
func DecodeList(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotAList
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, it := range items {
		if rec, ok := it.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Deals decodes a raw deal list and normalizes every record.
func Deals(data []byte, fields FieldMap) ([]types.Deal, error) {
	recs, err := DecodeList(data)
	if err != nil {
		return nil, fmt.Errorf("normalize: deals: %w", err)
	}
	return DealRecords(recs, fields), nil
}

// DealRecords normalizes decoded deal records, dropping those without an ID.
func DealRecords(recs []Record, fields FieldMap) []types.Deal {
	out := make([]types.Deal, 0, len(recs))
	for _, rec := range recs {
		if d, ok := Deal(rec, fields); ok {
			out = append(out, d)
		}
	}
	return out
}

// Deal converts one raw deal record. It returns false when the record has
// no usable ID.
func Deal(rec Record, fields FieldMap) (types.Deal, bool) {
	id := String(rec[fieldID])
	if id == "" {
		return types.Deal{}, false
	}
	category := String(rec[fieldCategoryID])
	created := String(rec[fieldDateCreate])
	d := types.Deal{
		ID:          id,
		Title:       String(rec[fieldTitle]),
		Opportunity: String(rec[fieldOpportunity]),
		StageID:     String(rec[fieldStageID]),
		CategoryID:  category,
		CreatedAt:   ParseTime(created),
		CreatedRaw:  created,
		Source:      String(rec[fieldSourceID]),
	}
	if fields.Department != "" {
		d.Department = String(rec[fields.Department])
	}
	if f := fields.RejectionField(category); f != "" {
		d.RejectionReason = String(rec[f])
	}
	if fields.Comment != "" {
		d.CommentClass = String(rec[fields.Comment])
	}
	if fields.Country != "" {
		d.Country = String(rec[fields.Country])
	}
	return d, true
}

// Events decodes a raw stage-history list and normalizes every record.
func Events(data []byte) ([]types.StageChangeEvent, error) {
	recs, err := DecodeList(data)
	if err != nil {
		return nil, fmt.Errorf("normalize: events: %w", err)
	}
	return EventRecords(recs), nil
}

// EventRecords normalizes decoded history records, dropping those that
// cannot be attributed to a deal.
func EventRecords(recs []Record) []types.StageChangeEvent {
	out := make([]types.StageChangeEvent, 0, len(recs))
	for _, rec := range recs {
		if e, ok := Event(rec); ok {
			out = append(out, e)
		}
	}
	return out
}

// Event converts one crm.stagehistory.list item. The owner may arrive as
// OWNER_ID or ownerId, as a string or a number; the stage as STAGE_ID or
// STATUS_ID.
func Event(rec Record) (types.StageChangeEvent, bool) {
	owner := first(rec, "OWNER_ID", "ownerId")
	if owner == "" {
		return types.StageChangeEvent{}, false
	}
	raw := first(rec, "CREATED_TIME", "createdTime")
	return types.StageChangeEvent{
		ID:      String(rec["ID"]),
		DealID:  owner,
		StageID: first(rec, "STAGE_ID", "STATUS_ID", "stageId"),
		At:      ParseTime(raw),
		Raw:     raw,
	}, true
}

// String renders a decoded JSON value as a trimmed identifier string.
// Multi-value fields yield their first non-empty element; nil, objects and
// booleans yield "".
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case []any:
		for _, it := range x {
			if s := String(it); s != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}

// timeLayouts are tried in order. Bitrix emits RFC 3339 with offset; the
// others cover exports and hand-written fixtures.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a CRM timestamp. It returns the zero time when s is empty
// or matches no known layout. Offset-less values are read as UTC.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func first(rec Record, keys ...string) string {
	for _, k := range keys {
		if s := String(rec[k]); s != "" {
			return s
		}
	}
	return ""
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
