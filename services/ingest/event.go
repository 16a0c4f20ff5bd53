package ingest

import (
	"encoding/json"
	"time"

	"promo-engine/pkg/errutil"
)

// Event is one inbound business occurrence from the stream. UniqueCode is
// the campaign code, Identification the subject user, Time the business
// timestamp in epoch milliseconds.
type Event struct {
	ID             string  `json:"id"`
	Identification string  `json:"identification"`
	Amount         float64 `json:"amount"`
	Time           int64   `json:"time"`
	Tag            string  `json:"tag"`
	Type           string  `json:"type"`
	UniqueCode     string  `json:"uniqueCode"`
}

func ParseEvent(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, errutil.Validation("malformed event payload", errutil.WithErr(err))
	}
	if evt.ID == "" || evt.Identification == "" || evt.UniqueCode == "" {
		return nil, errutil.Validation("event missing id, identification or uniqueCode")
	}
	return &evt, nil
}

// BusinessTime is the occurrence's own time, used for all cycle windows.
func (e *Event) BusinessTime() time.Time {
	return time.UnixMilli(e.Time)
}

func (e *Event) Tags() []string {
	if e.Tag == "" {
		return nil
	}
	return []string{e.Tag}
}
