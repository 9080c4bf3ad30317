// Package event defines the closed domain-event vocabulary and the fanout
// publisher that distributes events to tenant and global channels.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
)

// TenantSystem is the sentinel tenant id for platform-wide events. They are
// published on the global channel only.
const TenantSystem = "system"

// Type enumerates the domain event vocabulary. The set is closed: publishers
// may only use the types below, and payloads decoded from the wire with an
// unknown type surface as TypeUnrecognized rather than passing through
// untyped.
type Type string

const (
	TypeUserConnected    Type = "user:connected"
	TypeUserDisconnected Type = "user:disconnected"

	TypeMeetingStarted Type = "meeting:started"
	TypeMeetingEnded   Type = "meeting:ended"

	TypePipelineTranscription Type = "pipeline:transcription"
	TypePipelineDiarization   Type = "pipeline:diarization"
	TypePipelineSummary       Type = "pipeline:summary"
	TypePipelineKeywords      Type = "pipeline:keywords"
	TypePipelineExport        Type = "pipeline:export"

	TypeDealUpdated    Type = "deal:updated"
	TypeGDPRRequested  Type = "gdpr:requested"
	TypeBillingChanged Type = "billing:changed"

	TypeSystemStatus Type = "system:status"

	// TypeUnrecognized is never published; it is the decode-side mapping for
	// unknown or legacy types.
	TypeUnrecognized Type = "unrecognized"
)

var (
	ErrUnknownType    = errors.New("event: unknown event type")
	ErrInvalidPayload = errors.New("event: invalid payload")
	ErrInvalidTenant  = errors.New("event: invalid tenant id")
)

// Payload is a typed event body. Validate rejects malformed payloads at the
// publish boundary.
type Payload interface {
	Validate() error
}

// PresencePayload accompanies connection lifecycle events.
type PresencePayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	OnlineCount  int    `json:"onlineCount"`
}

func (p PresencePayload) Validate() error {
	if p.UserID == "" || p.ConnectionID == "" {
		return fmt.Errorf("%w: presence payload requires userId and connectionId", ErrInvalidPayload)
	}
	return nil
}

// MeetingPayload accompanies meeting lifecycle events.
type MeetingPayload struct {
	MeetingID string `json:"meetingId"`
	Title     string `json:"title,omitempty"`
	StartedBy string `json:"startedBy,omitempty"`
}

func (p MeetingPayload) Validate() error {
	if p.MeetingID == "" {
		return fmt.Errorf("%w: meeting payload requires meetingId", ErrInvalidPayload)
	}
	return nil
}

// PipelinePayload reports processing-pipeline progress for one job stage.
type PipelinePayload struct {
	JobID     string  `json:"jobId"`
	MeetingID string  `json:"meetingId,omitempty"`
	Progress  float64 `json:"progress"`
	Status    string  `json:"status"`
	Detail    string  `json:"detail,omitempty"`
}

func (p PipelinePayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: pipeline payload requires jobId", ErrInvalidPayload)
	}
	if p.Progress < 0 || p.Progress > 1 {
		return fmt.Errorf("%w: pipeline progress must be in [0,1]", ErrInvalidPayload)
	}
	return nil
}

// DealPayload accompanies deal update events.
type DealPayload struct {
	DealID string `json:"dealId"`
	Stage  string `json:"stage,omitempty"`
}

func (p DealPayload) Validate() error {
	if p.DealID == "" {
		return fmt.Errorf("%w: deal payload requires dealId", ErrInvalidPayload)
	}
	return nil
}

// GDPRPayload accompanies data-subject request events.
type GDPRPayload struct {
	RequestID string `json:"requestId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

func (p GDPRPayload) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("%w: gdpr payload requires requestId", ErrInvalidPayload)
	}
	return nil
}

// BillingPayload accompanies billing change events.
type BillingPayload struct {
	Plan  string `json:"plan"`
	Seats int    `json:"seats,omitempty"`
}

func (p BillingPayload) Validate() error {
	if p.Plan == "" {
		return fmt.Errorf("%w: billing payload requires plan", ErrInvalidPayload)
	}
	return nil
}

// SystemPayload accompanies platform-wide status events.
type SystemPayload struct {
	Kind    string            `json:"kind"`
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

func (p SystemPayload) Validate() error {
	if p.Kind == "" {
		return fmt.Errorf("%w: system payload requires kind", ErrInvalidPayload)
	}
	return nil
}

// UnrecognizedPayload preserves the raw body of an event whose type is not in
// the closed enumeration.
type UnrecognizedPayload struct {
	Raw json.RawMessage `json:"raw"`
}

func (p UnrecognizedPayload) Validate() error {
	return fmt.Errorf("%w: unrecognized events cannot be published", ErrUnknownType)
}

// payloadPrototypes maps each publishable type to its payload shape.
var payloadPrototypes = map[Type]func() Payload{
	TypeUserConnected:         func() Payload { return &PresencePayload{} },
	TypeUserDisconnected:      func() Payload { return &PresencePayload{} },
	TypeMeetingStarted:        func() Payload { return &MeetingPayload{} },
	TypeMeetingEnded:          func() Payload { return &MeetingPayload{} },
	TypePipelineTranscription: func() Payload { return &PipelinePayload{} },
	TypePipelineDiarization:   func() Payload { return &PipelinePayload{} },
	TypePipelineSummary:       func() Payload { return &PipelinePayload{} },
	TypePipelineKeywords:      func() Payload { return &PipelinePayload{} },
	TypePipelineExport:        func() Payload { return &PipelinePayload{} },
	TypeDealUpdated:           func() Payload { return &DealPayload{} },
	TypeGDPRRequested:         func() Payload { return &GDPRPayload{} },
	TypeBillingChanged:        func() Payload { return &BillingPayload{} },
	TypeSystemStatus:          func() Payload { return &SystemPayload{} },
}

// DecodePayload decodes raw JSON into the payload shape for t. Used at the
// administrative publish boundary where the type arrives as data.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	proto, ok := payloadPrototypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	p := proto()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Known reports whether t is a publishable member of the closed enumeration.
func Known(t Type) bool {
	_, ok := payloadPrototypes[t]
	return ok
}

// matches reports whether the concrete payload shape is correct for t.
func matches(t Type, p Payload) bool {
	switch p.(type) {
	case PresencePayload, *PresencePayload:
		return t == TypeUserConnected || t == TypeUserDisconnected
	case MeetingPayload, *MeetingPayload:
		return t == TypeMeetingStarted || t == TypeMeetingEnded
	case PipelinePayload, *PipelinePayload:
		switch t {
		case TypePipelineTranscription, TypePipelineDiarization,
			TypePipelineSummary, TypePipelineKeywords, TypePipelineExport:
			return true
		}
		return false
	case DealPayload, *DealPayload:
		return t == TypeDealUpdated
	case GDPRPayload, *GDPRPayload:
		return t == TypeGDPRRequested
	case BillingPayload, *BillingPayload:
		return t == TypeBillingChanged
	case SystemPayload, *SystemPayload:
		return t == TypeSystemStatus
	default:
		return false
	}
}

// Actor is optional metadata about who or what produced an event.
type Actor struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Event is an immutable published domain event.
type Event struct {
	ID        string  `json:"id"`
	Type      Type    `json:"type"`
	TenantID  string  `json:"tenantId"`
	Timestamp int64   `json:"timestamp"`
	Payload   Payload `json:"payload"`
	Actor     *Actor  `json:"actor,omitempty"`
}

// wireEvent is the decode envelope; payload stays raw until the type is known.
type wireEvent struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TenantID  string          `json:"tenantId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Actor     *Actor          `json:"actor,omitempty"`
}

// UnmarshalJSON decodes the payload according to the closed type set. An
// unknown type yields TypeUnrecognized with the raw payload preserved.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.TenantID = w.TenantID
	e.Timestamp = w.Timestamp
	e.Actor = w.Actor

	proto, ok := payloadPrototypes[w.Type]
	if !ok {
		e.Type = TypeUnrecognized
		e.Payload = UnrecognizedPayload{Raw: append(json.RawMessage(nil), w.Payload...)}
		return nil
	}
	e.Type = w.Type
	p := proto()
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}
	e.Payload = p
	return nil
}

// NewID returns a sortable event id: a unix-nano prefix for ordering hints
// plus a nuid for uniqueness.
func NewID() string {
	return fmt.Sprintf("%016x-%s", time.Now().UnixNano(), nuid.Next())
}

// ValidTenantID accepts slug-like tenant ids that are safe as subject tokens
// and KV key segments.
func ValidTenantID(tenant string) bool {
	if tenant == "" || len(tenant) > 128 {
		return false
	}
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// GlobalSubject is the channel carrying every event, for elevated subscribers.
const GlobalSubject = "events.global"

// TenantSubject returns the tenant-scoped channel. Pure function of the
// tenant id: any instance can compute it without coordination.
func TenantSubject(tenant string) string {
	return "events.tenant." + tenant
}

// TenantSubjectWildcard subscribes to every tenant channel.
const TenantSubjectWildcard = "events.tenant.*"

// TenantFromSubject extracts the tenant id from a tenant-scoped subject,
// or "" if the subject is not tenant-scoped.
func TenantFromSubject(subject string) string {
	const prefix = "events.tenant."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	rest := subject[len(prefix):]
	if rest == "" || strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
