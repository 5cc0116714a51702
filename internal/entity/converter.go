package entity

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/misp"
)

// SkipReason explains why an indicator did not produce an entity.
// SkipNone means the conversion succeeded.
type SkipReason string

// Skip reasons
const (
	SkipNone            SkipReason = ""
	SkipUnsupportedType SkipReason = "unsupported_type"
	SkipEmptyValue      SkipReason = "empty_value"
)

// typeKinds is the complete mapping of supported MISP attribute types.
// Lookups are case-sensitive.
var typeKinds = map[string]Kind{
	"ip-src":   KindIPAddress,
	"ip-dst":   KindIPAddress,
	"domain":   KindDomainName,
	"hostname": KindDomainName,
	"md5":      KindFile,
	"sha1":     KindFile,
	"sha256":   KindFile,
	"url":      KindURL,
}

// SupportedTypes returns the MISP attribute types that convert to an entity, sorted
func SupportedTypes() []string {
	return slices.Sorted(maps.Keys(typeKinds))
}

// KindOf returns the entity kind of a MISP attribute type
func KindOf(attrType string) (Kind, bool) {
	k, ok := typeKinds[attrType]
	return k, ok
}

// ParseSeverity maps a MISP threat_level_id to a severity.
// 1 is CRITICAL, 2 HIGH, 3 MEDIUM, 4 and above or absent LOW, anything else UNKNOWN.
func ParseSeverity(threatLevel string) Severity {
	threatLevel = strings.TrimSpace(threatLevel)
	if threatLevel == "" {
		return SeverityLow
	}

	level, err := strconv.Atoi(threatLevel)
	switch {
	case err != nil || level < 1:
		return SeverityUnknown
	case level == 1:
		return SeverityCritical
	case level == 2:
		return SeverityHigh
	case level == 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Option configures a Converter
type Option func(*Converter)

// WithClock sets the clock used for first_seen and expiration
func WithClock(now func() time.Time) Option {
	return func(c *Converter) {
		c.now = now
	}
}

// Converter turns MISP indicators into entities. It performs no I/O.
type Converter struct {
	ttl time.Duration
	now func() time.Time
}

// NewConverter creates a converter producing entities that expire ttl after conversion
func NewConverter(ttl time.Duration, opts ...Option) *Converter {
	c := &Converter{
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert normalizes one indicator. A non-empty SkipReason means no entity was produced.
func (c *Converter) Convert(ind misp.Indicator) (Entity, SkipReason) {
	kind, ok := typeKinds[ind.Type]
	if !ok {
		return Entity{}, SkipUnsupportedType
	}

	value := strings.TrimSpace(ind.Value)
	if value == "" {
		return Entity{}, SkipEmptyValue
	}

	firstSeen := c.now().UTC().Truncate(time.Second)
	return Entity{
		Kind:       kind,
		Value:      value,
		Severity:   ParseSeverity(ind.Event.ThreatLevel),
		FirstSeen:  firstSeen,
		Expiration: firstSeen.Add(c.ttl),
		SourceMetadata: map[string]string{
			MetaSourceType:      ind.Type,
			MetaOrganization:    ind.Event.Organization,
			MetaDescription:     ind.Event.Description,
			MetaThreatLevel:     ind.Event.ThreatLevel,
			MetaUUID:            ind.UUID,
			MetaComment:         ind.Comment,
			MetaSourceTimestamp: strconv.FormatInt(ind.Timestamp, 10),
		},
	}, SkipNone
}
