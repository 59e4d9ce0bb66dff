package offline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFlowValid(t *testing.T) {
	f := Default()
	start := f.StartNode()
	if start == nil || start.ID != "consciousness" {
		t.Fatalf("StartNode = %+v", start)
	}
	if start.Terminal() {
		t.Error("start node is terminal")
	}
}

func TestProcessStepMatchesOptionsIgnoringCase(t *testing.T) {
	f := Default()

	step, err := f.ProcessStep("consciousness", "  yes ")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Node.ID != "main_area" || step.Reprompt {
		t.Errorf("step = %+v", step)
	}

	step, err = f.ProcessStep("main_area", "CHEST")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Node.ID != "chest" {
		t.Errorf("node = %q, want chest", step.Node.ID)
	}
}

func TestProcessStepDefaultEdge(t *testing.T) {
	f := Default()

	step, err := f.ProcessStep("chest", "kind of, it's hard to tell")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Node.ID != "call_emergency" || step.Recommendation == nil {
		t.Errorf("unmatched answer on safety node should escalate: %+v", step)
	}
	if step.Recommendation.Level != "emergency" || step.Recommendation.NodeID != "call_emergency" {
		t.Errorf("recommendation = %+v", step.Recommendation)
	}

	step, err = f.ProcessStep("describe", "my knee is swollen")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Node.ID != "describe_severity" {
		t.Errorf("free text did not advance: %+v", step)
	}
}

func TestProcessStepReprompts(t *testing.T) {
	f := Default()

	step, err := f.ProcessStep("main_area", "my elbow")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if !step.Reprompt || step.Node.ID != "main_area" {
		t.Errorf("unmatched answer without default: %+v", step)
	}

	step, err = f.ProcessStep("describe", "   ")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if !step.Reprompt {
		t.Error("empty answer advanced")
	}
}

func TestProcessStepDeterministic(t *testing.T) {
	f := Default()
	pairs := [][2]string{
		{"consciousness", "No"},
		{"head", "no"},
		{"stomach_fluids", "yes"},
		{"main_area", "nothing"},
	}
	for _, p := range pairs {
		first, err1 := f.ProcessStep(p[0], p[1])
		second, err2 := f.ProcessStep(p[0], p[1])
		if err1 != nil || err2 != nil {
			t.Fatalf("ProcessStep(%q, %q): %v, %v", p[0], p[1], err1, err2)
		}
		if first.Node.ID != second.Node.ID || first.Reprompt != second.Reprompt || first.Recommendation != second.Recommendation {
			t.Errorf("ProcessStep(%q, %q) not deterministic", p[0], p[1])
		}
	}
}

func TestProcessStepUnknownNode(t *testing.T) {
	_, err := Default().ProcessStep("nope", "yes")
	if !errors.Is(err, ErrUnknownNode) {
		t.Errorf("err = %v, want ErrUnknownNode", err)
	}
}

func TestTerminalNodeStays(t *testing.T) {
	step, err := Default().ProcessStep("self_care", "anything")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Node.ID != "self_care" || step.Recommendation == nil {
		t.Errorf("terminal step = %+v", step)
	}
}

func TestParseRejectsBrokenFlows(t *testing.T) {
	tests := map[string]string{
		"missing start": "start: a\nnodes:\n  b: {text: x, default: b}\n",
		"dangling edge": "start: a\nnodes:\n  a:\n    text: x\n    options: [{label: y, next: z}]\n",
		"dead end":      "start: a\nnodes:\n  a: {text: x}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	doc := `start: a
nodes:
  a:
    text: "Hello?"
    default: end
  end:
    text: Done
    recommendation:
      level: self_care
      title: Rest
      advice: Rest.
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	step, err := f.ProcessStep("a", "hi")
	if err != nil {
		t.Fatalf("ProcessStep: %v", err)
	}
	if step.Recommendation == nil || step.Recommendation.Title != "Rest" {
		t.Errorf("step = %+v", step)
	}
}
