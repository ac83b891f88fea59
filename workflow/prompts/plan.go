package prompts

import "fmt"

// PlanSystemPrompt returns the system prompt for breaking an accepted
// request into tasks.
func PlanSystemPrompt() string {
	return `You break accepted garment shop requests into concrete workshop tasks.

## Your Objective

Produce a short, ordered list of tasks that completes the request. Suggest a worker for a
task only when their skills match and their current load allows it.

## Output Format

Respond with a JSON array and nothing else:

` + "```json" + `
[
  {
    "title": "Take in waist",
    "description": "Customer measurement attached to the request",
    "requiredSkills": ["tailoring"],
    "estimatedMin": 40,
    "suggestedWorkerId": "id of a listed worker, optional"
  }
]
` + "```" + `

## Guidelines

- Between one and five tasks
- Titles are short and unique within the plan
- estimatedMin is a whole number of minutes
- Only use worker ids from the list you were given`
}

// PlanUserPrompt wraps the planning context.
func PlanUserPrompt(contextJSON string) string {
	return fmt.Sprintf(`Planning context:

`+"```json"+`
%s
`+"```"+`

Return the task list.`, contextJSON)
}
