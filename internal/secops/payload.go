package secops

import (
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/entity"
)

const (
	// LogType identifies MISP indicators on the SecOps side
	LogType = "MISP_IOC"

	productName       = "MISP"
	sourceType        = "ENTITY_CONTEXT"
	threatCategory    = "NETWORK_SUSPICIOUS"
	defaultVendorName = "Unknown"
	defaultSummary    = "MISP IoC"
	timestampLayout   = "2006-01-02T15:04:05Z"
)

type batchRequest struct {
	CustomerID string          `json:"customer_id"`
	LogType    string          `json:"log_type"`
	Entities   []entityContext `json:"entities"`
}

type entityContext struct {
	Metadata metadata `json:"metadata"`
	Entity   noun     `json:"entity"`
}

type metadata struct {
	CollectedTimestamp string   `json:"collected_timestamp"`
	VendorName         string   `json:"vendor_name"`
	ProductName        string   `json:"product_name"`
	EntityType         string   `json:"entity_type"`
	SourceType         string   `json:"source_type"`
	Interval           interval `json:"interval"`
	Threat             []threat `json:"threat"`
}

type interval struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type threat struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Summary     string `json:"summary"`
	ThreatID    string `json:"threat_id"`
	Description string `json:"description"`
}

type noun struct {
	Hostname string    `json:"hostname,omitempty"`
	IP       string    `json:"ip,omitempty"`
	URL      string    `json:"url,omitempty"`
	File     *fileNoun `json:"file,omitempty"`
}

type fileNoun struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// encodeEntity builds the entity context sent for one entity
func encodeEntity(e entity.Entity, collected time.Time) entityContext {
	meta := e.SourceMetadata

	var n noun
	switch e.Kind {
	case entity.KindDomainName:
		n.Hostname = e.Value
	case entity.KindIPAddress:
		n.IP = e.Value
	case entity.KindURL:
		n.URL = e.Value
	case entity.KindFile:
		n.File = &fileNoun{}
		switch e.SourceType() {
		case "md5":
			n.File.MD5 = e.Value
		case "sha1":
			n.File.SHA1 = e.Value
		default:
			n.File.SHA256 = e.Value
		}
	}

	return entityContext{
		Metadata: metadata{
			CollectedTimestamp: formatTime(collected),
			VendorName:         orDefault(meta[entity.MetaOrganization], defaultVendorName),
			ProductName:        productName,
			EntityType:         string(e.Kind),
			SourceType:         sourceType,
			Interval: interval{
				StartTime: formatTime(e.FirstSeen),
				EndTime:   formatTime(e.Expiration),
			},
			Threat: []threat{{
				Category:    threatCategory,
				Severity:    string(e.Severity),
				Summary:     orDefault(meta[entity.MetaDescription], defaultSummary),
				ThreatID:    meta[entity.MetaUUID],
				Description: meta[entity.MetaComment],
			}},
		},
		Entity: n,
	}
}
