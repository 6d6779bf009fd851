// Package verify implements nonce-based result attestation. Every execution
// is issued a fresh nonce before spawn; the worker is told to echo it at the
// end of its output, and the verifier checks the transcript for the echo. A
// worker that hung, was killed mid-flight, or hallucinated completion will
// not have emitted the nonce.
package verify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MarkerKey is the structured field the worker is asked to emit the nonce
// under when it reports results as JSON.
const MarkerKey = "execution_uuid"

// tailWindow bounds how far back from the end of the transcript a plain-text
// echo is accepted. A nonce that only appears early in the output proves the
// instruction was read, not that the run finished.
const tailWindow = 4096

// Verifier issues and checks execution nonces.
type Verifier struct{}

// New builds a verifier.
func New() *Verifier { return &Verifier{} }

// Issue returns a fresh nonce for one execution.
func (v *Verifier) Issue() string { return uuid.NewString() }

// Instruction renders the directive appended to a worker's task so it echoes
// the nonce when, and only when, it genuinely finishes.
func (v *Verifier) Instruction(nonce string) string {
	return fmt.Sprintf(
		"When fully complete, print %s=%s as the last line of output. "+
			"If you report results as JSON, include %q: %q as the final field instead.",
		MarkerKey, nonce, MarkerKey, nonce)
}

// Verify reports whether transcript carries a valid echo of nonce: either the
// plain-text marker within the trailing window, or a JSON object whose
// MarkerKey field equals the nonce as its final field.
func (v *Verifier) Verify(transcript, nonce string) bool {
	if nonce == "" {
		return false
	}
	if v.verifyPlain(transcript, nonce) {
		return true
	}
	return v.verifyJSON(transcript, nonce)
}

func (v *Verifier) verifyPlain(transcript, nonce string) bool {
	tail := transcript
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	return strings.Contains(tail, MarkerKey+"="+nonce)
}

// verifyJSON accepts a transcript whose trailing content is (or ends with) a
// JSON object carrying the nonce. Workers that stream logs before the final
// JSON report are handled by scanning for the last object start.
func (v *Verifier) verifyJSON(transcript, nonce string) bool {
	trimmed := strings.TrimRight(transcript, " \t\r\n")
	start := strings.LastIndexByte(trimmed, '{')
	for start >= 0 {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed[start:]), &obj); err == nil {
			got, ok := obj[MarkerKey].(string)
			return ok && got == nonce
		}
		start = strings.LastIndexByte(trimmed[:start], '{')
	}
	return false
}
