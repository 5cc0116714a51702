package misp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Indicator is a single MISP attribute as seen by the forwarder.
// It only lives for the duration of one cycle.
type Indicator struct {
	Type      string
	Value     string
	Event     EventMetadata
	Timestamp int64
	UUID      string
	Comment   string
}

// EventMetadata carries the fields of the enclosing MISP event
type EventMetadata struct {
	Organization string
	Description  string

	// ThreatLevel is the raw threat_level_id, empty when the event does not carry one
	ThreatLevel string
}

type searchRequest struct {
	Page         int      `json:"page"`
	Limit        int      `json:"limit"`
	ReturnFormat string   `json:"returnFormat"`
	Type         []string `json:"type,omitempty"`
	Published    int      `json:"published"`
	Timestamp    int64    `json:"timestamp,omitempty"`
}

type searchResponse struct {
	Response json.RawMessage `json:"response"`
}

type attributeList struct {
	Attribute []attribute `json:"Attribute"`
}

type attribute struct {
	Type      string      `json:"type"`
	Value     string      `json:"value"`
	Timestamp epoch       `json:"timestamp"`
	UUID      string      `json:"uuid"`
	Comment   string      `json:"comment"`
	Event     *eventField `json:"Event"`
}

type eventField struct {
	Info          string     `json:"info"`
	ThreatLevelID flexString `json:"threat_level_id"`
	Orgc          struct {
		Name string `json:"name"`
	} `json:"Orgc"`
}

func (a attribute) toIndicator() Indicator {
	ind := Indicator{
		Type:      a.Type,
		Value:     a.Value,
		Timestamp: int64(a.Timestamp),
		UUID:      a.UUID,
		Comment:   a.Comment,
	}
	if a.Event != nil {
		ind.Event = EventMetadata{
			Organization: a.Event.Orgc.Name,
			Description:  a.Event.Info,
			ThreatLevel:  string(a.Event.ThreatLevelID),
		}
	}
	return ind
}

// epoch decodes MISP timestamps, which are sent as strings but occasionally as numbers
type epoch int64

func (e *epoch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	if raw == "" {
		*e = 0
		return nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", raw)
	}
	*e = epoch(n)
	return nil
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// decodeAttributes handles both the usual {"Attribute": [...]} and the empty-list form
func decodeAttributes(raw json.RawMessage) ([]attribute, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected non-empty list in response")
	}

	var attrs attributeList
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs.Attribute, nil
}
