// Package prompts builds the system and user prompts sent to the model by
// each workflow stage. Builders take pre-rendered JSON context so the
// package stays free of workflow types.
package prompts

import "fmt"

// NormalizeSystemPrompt returns the system prompt for turning a free-text
// message into a structured request payload.
func NormalizeSystemPrompt() string {
	return `You convert customer messages for a garment shop into structured requests.

## Your Objective

Read the message and extract what the customer is asking for. Do not invent items
the customer did not mention.

## Output Format

Respond with a single JSON object and nothing else:

` + "```json" + `
{
  "type": "alteration | order | stitching",
  "items": [
    {
      "sku": "SH-001",
      "qty": 1,
      "size": "optional",
      "color": "optional",
      "fabric": "optional",
      "alteration_type": "optional, e.g. hem, take-in",
      "measurement": "optional, free text"
    }
  ],
  "required_skills": ["tailoring"],
  "estimated_minutes": 45,
  "preferred_window": {"from": "optional", "to": "optional"},
  "notes": "anything else worth keeping"
}
` + "```" + `

## Guidelines

- qty is a positive integer; default to 1 when the customer does not say
- Use an SKU only if the message names one; otherwise describe the garment in notes
- required_skills uses short lowercase skill names
- Omit optional fields you cannot fill`
}

// NormalizeUserPrompt wraps the raw customer message.
func NormalizeUserPrompt(rawInput string) string {
	return fmt.Sprintf(`Customer message:

"""
%s
"""

Return the structured request JSON.`, rawInput)
}
