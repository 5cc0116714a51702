// Package entity defines the normalized entity model and the conversion from MISP indicators.
package entity

import "time"

// Kind is the normalized entity category
type Kind string

// Supported entity kinds
const (
	KindIPAddress  Kind = "IP_ADDRESS"
	KindDomainName Kind = "DOMAIN_NAME"
	KindFile       Kind = "FILE"
	KindURL        Kind = "URL"
)

// Severity is the normalized threat severity
type Severity string

// Severities, from the MISP threat level
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// Source metadata keys
const (
	MetaSourceType      = "source_type"
	MetaOrganization    = "organization"
	MetaDescription     = "description"
	MetaThreatLevel     = "threat_level"
	MetaUUID            = "uuid"
	MetaComment         = "comment"
	MetaSourceTimestamp = "source_timestamp"
)

// Entity is an indicator normalized for ingestion
type Entity struct {
	Kind       Kind
	Value      string
	Severity   Severity
	FirstSeen  time.Time
	Expiration time.Time

	// SourceMetadata carries the originating indicator fields, keyed by the Meta* constants
	SourceMetadata map[string]string
}

// SourceType returns the raw MISP attribute type the entity was built from
func (e Entity) SourceType() string {
	return e.SourceMetadata[MetaSourceType]
}
