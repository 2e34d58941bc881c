package completion

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// Response headers added to every successful completion.
const (
	HeaderRequestID       = "x-vmx-request-id"
	HeaderGateDuration    = "x-vmx-gate-duration-ms"
	HeaderRoutingDuration = "x-vmx-routing-duration-ms"
	HeaderCorrelationID   = "x-vmx-correlation-id"
	HeaderModel           = "x-vmx-model"
	HeaderProvider        = "x-vmx-provider"
	HeaderConnectionID    = "x-vmx-connection-id"
	HeaderEventCount      = "x-vmx-event-count"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// vmxHeaders overlays gateway headers on the vendor's.
func (r *run) vmxHeaders(upstream map[string]string, att *attempt) map[string]string {
	h := make(map[string]string, len(upstream)+8+4*len(r.events))
	for k, v := range upstream {
		h[k] = v
	}
	h[HeaderRequestID] = r.requestID
	h[HeaderGateDuration] = strconv.FormatInt(att.gateMs, 10)
	if id := r.correlationID(); id != "" {
		h[HeaderCorrelationID] = id
	}
	if r.routingMs != nil && *r.routingMs > 0 {
		h[HeaderRoutingDuration] = strconv.FormatInt(*r.routingMs, 10)
	}
	h[HeaderModel] = att.model.Model
	h[HeaderProvider] = att.model.Provider
	h[HeaderConnectionID] = att.model.ConnectionID

	if len(r.events) == 0 {
		return h
	}
	h[HeaderEventCount] = strconv.Itoa(len(r.events))
	for i, e := range r.events {
		prefix := fmt.Sprintf("x-vmx-event-%d-", i)
		h[prefix+"type"] = string(e.Type)
		h[prefix+"timestamp"] = time.UnixMilli(e.Timestamp).UTC().Format(isoMillis)
		switch e.Type {
		case models.AuditEventFallback:
			if m, ok := e.Data["model"].(models.ModelSelector); ok {
				h[prefix+"fallback-failed-model"] = m.Model
			}
			if msg, ok := e.Data["errorMessage"].(string); ok {
				h[prefix+"fallback-failure-reason"] = msg
			}
		case models.AuditEventRouting:
			if m, ok := e.Data["originalModel"].(models.ModelSelector); ok {
				h[prefix+"routing-original-provider"] = m.Provider
				h[prefix+"routing-original-model"] = m.Model
			}
			if m, ok := e.Data["routedModel"].(models.ModelSelector); ok {
				h[prefix+"routing-routed-provider"] = m.Provider
				h[prefix+"routing-routed-model"] = m.Model
			}
		}
	}
	return h
}
