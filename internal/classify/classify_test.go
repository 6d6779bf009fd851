package classify

import "testing"

func TestClassifySystemCommands(t *testing.T) {
	cases := []struct {
		command string
		subtype string
	}{
		{"ls -la /tmp", "listing"},
		{"cat file.txt", "read"},
		{"sleep 5", "wait"},
		{"grep -r pattern .", "search"},
	}

	for _, tc := range cases {
		sig := Classify(tc.command)
		if sig.Category != CategorySystem {
			t.Errorf("Classify(%q).Category = %s, want system", tc.command, sig.Category)
		}
		if sig.Complexity != ComplexitySimple {
			t.Errorf("Classify(%q).Complexity = %s, want simple", tc.command, sig.Complexity)
		}
		if sig.Subtype != tc.subtype {
			t.Errorf("Classify(%q).Subtype = %q, want %q", tc.command, sig.Subtype, tc.subtype)
		}
	}
}

func TestClassifyAgentComplexity(t *testing.T) {
	cases := []struct {
		command    string
		complexity Complexity
		subtype    string
	}{
		{"claude -p 'refactor the session manager to use contexts everywhere'", ComplexityComplex, "refactor"},
		{"claude -p 'debug why the websocket handler drops frames under load'", ComplexityComplex, "debug"},
		{"claude -p 'write a 5000 word essay about distributed consensus protocols'", ComplexityComplex, "long_content"},
		{"claude -p 'analyze the error handling in this package and report issues'", ComplexityMedium, "analyze"},
		{"claude -p 'what is 2+2'", ComplexitySimple, "explain"},
		{"claude -p 'hello there'", ComplexitySimple, "prompt"},
	}

	for _, tc := range cases {
		sig := Classify(tc.command)
		if sig.Category != CategoryAgent {
			t.Errorf("Classify(%q).Category = %s, want agent", tc.command, sig.Category)
		}
		if sig.Complexity != tc.complexity {
			t.Errorf("Classify(%q).Complexity = %s, want %s", tc.command, sig.Complexity, tc.complexity)
		}
		if sig.Subtype != tc.subtype {
			t.Errorf("Classify(%q).Subtype = %q, want %q", tc.command, sig.Subtype, tc.subtype)
		}
	}
}

func TestClassifyBuildVsTest(t *testing.T) {
	if sig := Classify("go build ./..."); sig.Category != CategoryBuild {
		t.Errorf("go build classified as %s, want build", sig.Category)
	}
	if sig := Classify("go test ./..."); sig.Category != CategoryTest {
		t.Errorf("go test classified as %s, want test", sig.Category)
	}
	if sig := Classify("pytest tests/"); sig.Category != CategoryTest {
		t.Errorf("pytest classified as %s, want test", sig.Category)
	}
}

func TestClassifyIsStable(t *testing.T) {
	// The signature indexes persisted history; the same command must always
	// produce the same key.
	command := "claude -p 'implement a rate limiter with sliding windows'"
	first := Classify(command)
	for i := 0; i < 10; i++ {
		if got := Classify(command); got != first {
			t.Fatalf("Classify not stable: %+v vs %+v", got, first)
		}
	}
}

func TestClassifyPathPrefixIgnored(t *testing.T) {
	sig := Classify("/usr/local/bin/claude -p 'hello'")
	if sig.Category != CategoryAgent {
		t.Errorf("absolute path binary classified as %s, want agent", sig.Category)
	}
}

func TestClassifyEmptyCommand(t *testing.T) {
	sig := Classify("   ")
	if sig.Category != CategoryGeneral || sig.Subtype != "empty" {
		t.Errorf("empty command classified as %+v", sig)
	}
}
