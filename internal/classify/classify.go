// Package classify derives a coarse task signature from a command line. The
// signature indexes historical timing data, so it must stay stable across
// releases: changing a bucket orphans every record filed under it.
package classify

import "strings"

// Category is the broad kind of work a command performs.
type Category string

const (
	CategoryAgent   Category = "agent" // LLM CLI invocations (claude, alex, ...)
	CategoryBuild   Category = "build"
	CategoryTest    Category = "test"
	CategorySystem  Category = "system"
	CategoryNetwork Category = "network"
	CategoryGeneral Category = "general"
)

// Complexity is the expected duration tier.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Signature is the (category, complexity, subtype) tuple used as the timing
// store key.
type Signature struct {
	Category   Category
	Complexity Complexity
	Subtype    string
}

// Key returns the canonical store key for the signature.
func (s Signature) Key() string {
	return string(s.Category) + ":" + string(s.Complexity) + ":" + s.Subtype
}

// BucketKey returns the category+complexity key, ignoring the subtype.
func (s Signature) BucketKey() string {
	return string(s.Category) + ":" + string(s.Complexity)
}

var agentBinaries = []string{"claude", "alex", "aider", "codex"}

var systemBinaries = map[string]string{
	"ls": "listing", "cat": "read", "echo": "print", "pwd": "print",
	"cp": "copy", "mv": "copy", "rm": "delete", "mkdir": "fs",
	"grep": "search", "find": "search", "rg": "search",
	"sleep": "wait", "true": "noop", "ps": "inspect", "df": "inspect",
}

// Classify maps a command line to its signature. Pure function: same input,
// same output, no I/O.
func Classify(command string) Signature {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Signature{Category: CategoryGeneral, Complexity: ComplexityMedium, Subtype: "empty"}
	}

	lower := strings.ToLower(trimmed)
	fields := strings.Fields(lower)
	binary := baseName(fields[0])

	for _, agent := range agentBinaries {
		if binary == agent {
			return classifyAgent(lower)
		}
	}

	if subtype, ok := systemBinaries[binary]; ok {
		return Signature{Category: CategorySystem, Complexity: ComplexitySimple, Subtype: subtype}
	}

	switch binary {
	case "make", "go", "cargo", "npm", "npx", "mvn", "gradle", "cmake", "gcc", "clang":
		if containsAny(lower, "test", "check", "vet") {
			return Signature{Category: CategoryTest, Complexity: ComplexityMedium, Subtype: binary}
		}
		return Signature{Category: CategoryBuild, Complexity: ComplexityMedium, Subtype: binary}
	case "pytest", "jest", "vitest", "rspec":
		return Signature{Category: CategoryTest, Complexity: ComplexityMedium, Subtype: binary}
	case "curl", "wget", "ssh", "scp", "rsync", "git":
		return Signature{Category: CategoryNetwork, Complexity: ComplexityMedium, Subtype: binary}
	case "python", "python3", "node", "ruby", "bash", "sh", "zsh":
		return Signature{Category: CategoryGeneral, Complexity: ComplexityMedium, Subtype: "script"}
	}

	return Signature{Category: CategoryGeneral, Complexity: ComplexityMedium, Subtype: "unknown"}
}

// classifyAgent buckets LLM CLI invocations by the shape of the prompt. These
// dominate observed runtimes, so the heuristics are deliberately coarse and
// mirror the buckets the timing history accumulated under.
func classifyAgent(lower string) Signature {
	sig := Signature{Category: CategoryAgent, Complexity: ComplexityMedium, Subtype: "prompt"}

	switch {
	case containsAny(lower, "refactor", "rewrite", "migrate"):
		sig.Complexity, sig.Subtype = ComplexityComplex, "refactor"
	case containsAny(lower, "debug", "fix bug", "diagnose"):
		sig.Complexity, sig.Subtype = ComplexityComplex, "debug"
	case containsAny(lower, "implement", "create a", "build a", "write a program"):
		sig.Complexity, sig.Subtype = ComplexityComplex, "implement"
	case containsAny(lower, "5000 word", "10000 word", "comprehensive guide", "epic story"):
		sig.Complexity, sig.Subtype = ComplexityComplex, "long_content"
	case containsAny(lower, "analyze", "review", "summarize"):
		sig.Subtype = "analyze"
	case containsAny(lower, "explain", "describe", "what is", "what's"):
		sig.Subtype = "explain"
	case containsAny(lower, "test", "unit test", "coverage"):
		sig.Subtype = "testing"
	}

	// Very short prompts are cheap regardless of verb.
	if len(lower) < 60 && sig.Complexity == ComplexityMedium {
		sig.Complexity = ComplexitySimple
	}
	return sig
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
