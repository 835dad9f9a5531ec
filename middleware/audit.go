package middleware

import (
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

// AuditSink accepts events without blocking the request.
type AuditSink interface {
	LogAsync(event *models.AuditEvent)
}

// Auditor builds audit events from request context.
type Auditor struct {
	sink    AuditSink
	metrics *telemetry.Metrics
}

func NewAuditor(sink AuditSink, metrics *telemetry.Metrics) *Auditor {
	return &Auditor{sink: sink, metrics: metrics}
}

// Event fills in caller, IP, user agent and request ID from c.
func Event(c *gin.Context, action, resource, status string, details map[string]string) *models.AuditEvent {
	return &models.AuditEvent{
		UserID:    GetUserID(c),
		Action:    action,
		Resource:  resource,
		Status:    status,
		IPAddress: utils.GetClientIP(c.Request),
		UserAgent: utils.GetUserAgent(c.Request),
		RequestID: GetRequestID(c),
		Details:   details,
	}
}

// Success records a successful action.
func (a *Auditor) Success(c *gin.Context, action, resource string, details map[string]string) {
	a.record(c, Event(c, action, resource, models.AuditSuccess, details))
}

// Failure records a failed action with reason as the machine-readable cause.
func (a *Auditor) Failure(c *gin.Context, action, resource, reason string) {
	a.record(c, Event(c, action, resource, models.AuditFailure, map[string]string{"reason": reason}))
}

// Record writes a prepared event, for callers that set UserID themselves.
func (a *Auditor) Record(c *gin.Context, event *models.AuditEvent) {
	a.record(c, event)
}

func (a *Auditor) record(c *gin.Context, event *models.AuditEvent) {
	if a == nil || a.sink == nil {
		return
	}
	if a.metrics != nil {
		a.metrics.RecordAuditEvent(c.Request.Context(), event.Action, event.Status)
	}
	a.sink.LogAsync(event)
}
