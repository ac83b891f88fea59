// Package model provides capability-based model selection for the decision
// workflow. Stages ask for a capability (decide, plan, respond) rather than a
// model name, and the registry resolves it to endpoints with a fallback chain.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityNormalize turns free-text customer messages into structured payloads.
	CapabilityNormalize Capability = "normalize"

	// CapabilityDecide chooses the next action for a request.
	CapabilityDecide Capability = "decide"

	// CapabilityPlan decomposes accepted work into tasks.
	CapabilityPlan Capability = "plan"

	// CapabilityRespond writes the customer-facing reply.
	CapabilityRespond Capability = "respond"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityNormalize, CapabilityDecide, CapabilityPlan, CapabilityRespond, CapabilityFast:
		return true
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}
