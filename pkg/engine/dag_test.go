package engine

import (
	"strings"
	"testing"
)

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty actions, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}
	if graph.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth())
	}
}

func TestDAGBuilder_BuildGraph_Levels(t *testing.T) {
	rec := &stepRecorder{}
	actions := []*Action{
		reversible(rec, "network", ActionKindProvisionNetwork),
		reversible(rec, "cluster", ActionKindProvisionCluster, "network"),
		reversible(rec, "addon-b", ActionKindInstallAddon, "cluster"),
		reversible(rec, "addon-a", ActionKindInstallAddon, "cluster"),
		reversible(rec, "deploy", ActionKindDeployEnvironment, "addon-a", "addon-b"),
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(actions)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"network"}, {"cluster"}, {"addon-b", "addon-a"}, {"deploy"}}
	if len(graph.Levels) != len(want) {
		t.Fatalf("Expected %d levels, got %d", len(want), len(graph.Levels))
	}
	for i := range want {
		if strings.Join(graph.Levels[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("Level %d: expected %v, got %v", i, want[i], graph.Levels[i])
		}
	}

	if len(graph.Roots) != 1 || graph.Roots[0] != "network" {
		t.Errorf("Expected root network, got %v", graph.Roots)
	}
	if deps := graph.Nodes["deploy"].Dependencies; len(deps) != 2 {
		t.Errorf("Expected deploy to have 2 dependencies, got %v", deps)
	}
	if dependents := graph.Nodes["cluster"].Dependents; len(dependents) != 2 {
		t.Errorf("Expected cluster to have 2 dependents, got %v", dependents)
	}
	if graph.Nodes["deploy"].Level != 3 {
		t.Errorf("Expected deploy at level 3, got %d", graph.Nodes["deploy"].Level)
	}
}

func TestDAGBuilder_BuildGraph_DuplicateDependencyCountsOnce(t *testing.T) {
	rec := &stepRecorder{}
	graph, err := NewDAGBuilder().BuildGraph([]*Action{
		reversible(rec, "a", ActionKindInstallAddon),
		reversible(rec, "b", ActionKindInstallAddon, "a", "a"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Depth() != 2 {
		t.Errorf("Expected depth 2, got %d", graph.Depth())
	}
}

func TestDAGBuilder_BuildGraph_Cycle(t *testing.T) {
	rec := &stepRecorder{}
	_, err := NewDAGBuilder().BuildGraph([]*Action{
		reversible(rec, "root", ActionKindProvisionNetwork),
		reversible(rec, "a", ActionKindInstallAddon, "root", "b"),
		reversible(rec, "b", ActionKindInstallAddon, "a"),
	})
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected cycle path in error, got %v", err)
	}
}

func TestDAGBuilder_BuildGraph_InvalidActions(t *testing.T) {
	rec := &stepRecorder{}
	tests := []struct {
		name    string
		actions []*Action
	}{
		{"empty id", []*Action{reversible(rec, "", ActionKindInstallAddon)}},
		{"duplicate", []*Action{reversible(rec, "a", ActionKindInstallAddon), reversible(rec, "a", ActionKindInstallAddon)}},
		{"missing dependency", []*Action{reversible(rec, "a", ActionKindInstallAddon, "ghost")}},
		{"nil action", []*Action{nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().BuildGraph(tt.actions)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !IsConfiguration(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	rec := &stepRecorder{}
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]*Action{
		{ID: "image", Name: "build api", Kind: ActionKindBuildImage, Forward: okStep(rec, "image")},
		reversible(rec, "app", ActionKindDeployApplication, "image"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{
		"digraph Transaction {",
		`"image" -> "app"`,
		`label="build api\nbuild_image"`,
		"cluster_level_1",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}
