package engine

import (
	"strings"
	"text/template"

	"kanloop/internal/feature"
)

var taskPromptTemplate = template.Must(template.New("task").Parse(`# Feature: {{.ID}}

{{.Description}}
{{- if .Spec}}

## Specification

{{.Spec}}
{{- end}}
{{- if .Images}}

## Attached Images

The following images were provided with this feature. Read them for context:
{{range .Images}}- {{.Path}}
{{end}}
{{- end}}

## Instructions

1. Implement the feature described above.
2. Run the project's existing tests and make sure they pass.
3. Do not commit; the orchestrator commits after review.

Work autonomously. Do not ask questions or wait for input.
`))

var resumePromptTemplate = template.Must(template.New("resume").Parse(`# Feature: {{.Feature.ID}}

{{.Feature.Description}}
{{- if .Feature.Spec}}

## Specification

{{.Feature.Spec}}
{{- end}}

## Previous Work

The previous session was interrupted. This is its transcript:

{{.Previous}}

## Instructions

Continue from where the previous session left off. Do not redo completed
steps. Run the project's existing tests and make sure they pass.

Work autonomously. Do not ask questions or wait for input.
`))

var followUpPromptTemplate = template.Must(template.New("followup").Parse(`# Feature: {{.Feature.ID}}

{{.Feature.Description}}
{{- if .Previous}}

## Previous Work

{{.Previous}}
{{- end}}

## Follow-up Instructions

{{.Instructions}}
{{- if .Feature.Images}}

## Attached Images

{{range .Feature.Images}}- {{.Path}}
{{end}}
{{- end}}

Continue from the previous work. Do not redo completed steps.
`))

// analysisPrompt asks the agent for a read-only survey of the project. The
// allowed-tools restriction on the run enforces read-only.
const analysisPrompt = `Analyze this project and produce a concise markdown report covering:

1. Purpose: what the project does.
2. Stack: languages, frameworks, key dependencies.
3. Layout: the main directories and what lives in each.
4. Conventions: build, test and lint commands; code style observations.
5. Entry points: where execution starts.

Only read files. Do not modify anything. Output the report as markdown.`

func buildTaskPrompt(f *feature.Feature) string {
	var b strings.Builder
	if err := taskPromptTemplate.Execute(&b, f); err != nil {
		// Template and data are static; fall back to the bare description.
		return f.Description
	}
	return b.String()
}

func buildResumePrompt(f *feature.Feature, previous string) string {
	var b strings.Builder
	data := struct {
		Feature  *feature.Feature
		Previous string
	}{f, previous}
	if err := resumePromptTemplate.Execute(&b, data); err != nil {
		return f.Description
	}
	return b.String()
}

func buildFollowUpPrompt(f *feature.Feature, previous, instructions string) string {
	var b strings.Builder
	data := struct {
		Feature      *feature.Feature
		Previous     string
		Instructions string
	}{f, previous, instructions}
	if err := followUpPromptTemplate.Execute(&b, data); err != nil {
		return instructions
	}
	return b.String()
}
