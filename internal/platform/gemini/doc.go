// Package gemini implements generation.Generator on top of the Google Gemini
// API.
//
// Gemini answers synchronously: Submit renders one prompt for the whole batch,
// asks the model for a JSON document with one entry per item and returns the
// parsed results directly. Poll is never needed and reports
// generation.ErrUnknownGeneration.
//
// Prompts are text/template files, one per workflow, embedded in the binary.
// A directory configured with llm.prompt_template_dir overrides them by file
// name (quiz.tmpl, summary.tmpl).
//
// API failures are mapped to generation.StatusError so that the retry policy
// and the circuit breaker can classify them; responses stopped by the safety
// filters become generation.ErrContentBlocked.
package gemini
