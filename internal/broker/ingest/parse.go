package ingest

import (
	"fmt"
	"time"

	v1 "github.com/chatbroker/chatbroker/pkg/api/v1"
)

// plainTimeLayout is the zone-less form some capture scripts upload; it is
// read as UTC.
const plainTimeLayout = "2006-01-02 15:04:05"

// ParseBatch converts wire messages into inbound messages, collecting an
// error line for every entry that cannot be parsed. Unparseable entries are
// skipped, not fatal.
func ParseBatch(raw []v1.RawMessage) ([]InboundMessage, []string) {
	msgs := make([]InboundMessage, 0, len(raw))
	var errs []string
	for _, rm := range raw {
		sentAt, err := parseMessageTime(rm.Time)
		if err != nil {
			errs = append(errs, fmt.Sprintf("message '%s': %v", rm.ID, err))
			continue
		}
		msgs = append(msgs, InboundMessage{
			MessageID: rm.ID,
			Nick:      rm.Nick,
			Content:   rm.Content,
			SentAt:    sentAt,
		})
	}
	return msgs, errs
}

func parseMessageTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(plainTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
