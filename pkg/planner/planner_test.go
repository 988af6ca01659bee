package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/steps"
)

type staticHosts string

func (h staticHosts) Hostname(router, env string) string {
	return router + "." + env + "." + string(h)
}

type staticRegistry struct{}

func (staticRegistry) Endpoint() string { return "registry.example.com" }
func (staticRegistry) Repository(name string) string {
	return "registry.example.com/acme/" + name
}
func (staticRegistry) Credentials(context.Context) (engine.RegistryCredentials, error) {
	return engine.RegistryCredentials{}, nil
}

func testDescriptor() *config.Descriptor {
	return &config.Descriptor{
		Cluster: config.ClusterSpec{
			ID:           "prod",
			Organization: "acme",
			Provider:     "aws",
			Region:       "eu-west-1",
			Network:      &config.NetworkSpec{CIDR: "10.0.0.0/16", Zones: []string{"a", "b"}},
			NodeGroups: []config.NodeGroupSpec{
				{Name: "general", InstanceType: "m5.large", MinSize: 1, MaxSize: 3},
				{Name: "gpu", InstanceType: "g5.xlarge", MinSize: 0, MaxSize: 2},
			},
			Addons: []config.AddonSpec{
				{Name: "cert-manager", Chart: "cert-manager", RepoURL: "https://charts.jetstack.io", Namespace: "cert-manager"},
				{Name: "ingress", Chart: "ingress-nginx", Namespace: "ingress", DependsOn: []string{"cert-manager"}},
			},
			Labels: map[string]string{"protected": "true", "tier": "gold"},
		},
		Environments: []config.EnvironmentSpec{{
			ID:     "staging",
			Labels: map[string]string{"tier": "silver"},
			Images: []config.ImageSpec{{Name: "api", Context: "./api", Dockerfile: "Dockerfile"}},
			Databases: []config.DatabaseSpec{
				{Name: "main", Engine: "postgresql", Managed: true, Size: "db.t3.medium"},
				{Name: "cache", Engine: "redis", Version: "7.2", Size: "1Gi"},
			},
			Applications: []config.ApplicationSpec{
				{Name: "api", Image: "api", Chart: "./charts/api", Replicas: 2, Port: 8080,
					Env: map[string]string{"MODE": "staging"}, Databases: []string{"main", "cache"}},
				{Name: "docs", Image: "nginx:1.27", Manifest: "manifests/docs.yaml", Replicas: 1},
			},
			Routers: []config.RouterSpec{{
				Name: "public", TLS: true,
				Routes: []config.Route{{Path: "/", Application: "docs"}, {Path: "/api", Application: "api"}},
			}},
		}},
	}
}

func newTestPlanner(t *testing.T) (*Planner, string) {
	t.Helper()
	workDir := t.TempDir()
	factory := &steps.Factory{
		Local:        steps.NewLocalRunner(zerolog.Nop()),
		TemplateRoot: "templates",
		StateBackend: map[string]string{"bucket": "state"},
		Kubeconfig:   "kubeconfig",
		Collaborators: engine.Collaborators{
			ContainerRegistry: staticRegistry{},
		},
	}
	return New(factory, workDir, WithRouterHosts(staticHosts("apps.example.com")), WithImageTag("v1")), workDir
}

func byID(actions []*engine.Action) map[string]*engine.Action {
	m := make(map[string]*engine.Action, len(actions))
	for _, a := range actions {
		m[a.ID] = a
	}
	return m
}

func chartSpec(t *testing.T, exec engine.StepExecutor) steps.ChartSpec {
	t.Helper()
	step, ok := exec.(interface{ Release() *steps.ChartRelease })
	require.True(t, ok, "%T is not a chart step", exec)
	return step.Release().Spec
}

func ids(actions []*engine.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}

func TestBuild_ClusterCreate(t *testing.T) {
	p, _ := newTestPlanner(t)

	actions, err := p.Build(OperationClusterCreate, testDescriptor(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"network", "cluster", "node-group-general", "node-group-gpu", "addon-cert-manager", "addon-ingress",
	}, ids(actions))

	m := byID(actions)
	assert.Equal(t, []string{"network"}, m["cluster"].DependsOn)
	assert.Equal(t, []string{"cluster"}, m["node-group-gpu"].DependsOn)
	assert.Equal(t, []string{"cluster", "node-group-general", "node-group-gpu"}, m["addon-cert-manager"].DependsOn)
	assert.Equal(t, []string{"cluster", "node-group-general", "node-group-gpu", "addon-cert-manager"}, m["addon-ingress"].DependsOn)

	for _, id := range []string{"network", "cluster", "node-group-general"} {
		assert.True(t, m[id].LocksClusterState, id)
		assert.True(t, m[id].Reversible(), id)
	}
	assert.False(t, m["addon-ingress"].LocksClusterState)
	assert.True(t, m["addon-ingress"].Reversible())

	forward := m["node-group-gpu"].Forward.(*steps.TerraformStep)
	assert.Equal(t, "templates/aws/node_group", forward.PlanDir)
	assert.Equal(t, "prod/node_group/gpu.tfstate", forward.BackendConfig["key"])
	assert.Equal(t, "g5.xlarge", forward.Vars["instance_type"])

	cluster := m["cluster"].Forward.(*steps.TerraformStep)
	assert.Equal(t, "a,b", cluster.Vars["zones"])
	assert.Equal(t, "kubeconfig", cluster.Vars["kubeconfig_path"])

	for _, a := range actions {
		assert.NotZero(t, a.Timeout, a.ID)
		assert.Equal(t, "prod", a.Labels["cluster"])
	}
}

func TestBuild_ClusterCreateOnPremise(t *testing.T) {
	p, _ := newTestPlanner(t)
	desc := testDescriptor()
	desc.Cluster.Provider = "on_premise"

	_, err := p.Build(OperationClusterCreate, desc, "")
	require.Error(t, err)
	assert.Equal(t, engine.ErrorClassConfiguration, engine.ClassOf(err))

	p.factory.Remote = steps.NewLocalRunner(zerolog.Nop())
	actions, err := p.Build(OperationClusterCreate, desc, "")
	require.NoError(t, err)
	m := byID(actions)
	assert.NotContains(t, m, "network", "on-premise networks are not provisioned")
	assert.Empty(t, m["cluster"].DependsOn)
}

func TestBuild_ClusterDelete(t *testing.T) {
	p, _ := newTestPlanner(t)

	actions, err := p.Build(OperationClusterDelete, testDescriptor(), "")
	require.NoError(t, err)

	m := byID(actions)
	for _, a := range actions {
		assert.False(t, a.Reversible(), "%s must not be reversible", a.ID)
	}
	assert.Equal(t, []string{"addon-ingress"}, m["addon-cert-manager"].DependsOn)
	assert.Empty(t, m["addon-ingress"].DependsOn)
	assert.Equal(t, []string{"addon-cert-manager", "addon-ingress"}, m["node-group-general"].DependsOn)
	assert.Equal(t, []string{"node-group-general", "node-group-gpu"}, m["cluster"].DependsOn)
	assert.Equal(t, []string{"cluster"}, m["network"].DependsOn)
	assert.Equal(t, engine.ActionKindDeleteNetwork, m["network"].Kind)
}

func TestBuild_ClusterPause(t *testing.T) {
	p, _ := newTestPlanner(t)

	actions, err := p.Build(OperationClusterPause, testDescriptor(), "")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionKindPauseCluster, actions[0].Kind)
	assert.Equal(t, "true", actions[0].Forward.(*steps.TerraformStep).Vars["paused"])
	assert.Equal(t, "false", actions[0].Rollback.(*steps.TerraformStep).Vars["paused"])
}

func TestBuild_EnvironmentDeploy(t *testing.T) {
	p, workDir := newTestPlanner(t)

	actions, err := p.Build(OperationEnvironmentDeploy, testDescriptor(), "staging")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"namespace", "image-api", "database-main", "database-cache", "app-api", "app-docs", "router-public",
	}, ids(actions))

	m := byID(actions)
	assert.Empty(t, m["image-api"].DependsOn)
	assert.False(t, m["image-api"].Reversible())
	assert.Equal(t, []string{"namespace", "image-api", "database-main", "database-cache"}, m["app-api"].DependsOn)
	assert.Equal(t, []string{"namespace"}, m["app-docs"].DependsOn)
	assert.Equal(t, []string{"namespace", "app-docs", "app-api"}, m["router-public"].DependsOn)

	assert.True(t, m["database-main"].LocksClusterState)
	assert.IsType(t, &steps.TerraformStep{}, m["database-main"].Forward)
	assert.False(t, m["database-cache"].LocksClusterState)

	cache := chartSpec(t, m["database-cache"].Forward)
	assert.Equal(t, "redis", cache.Chart)
	assert.Equal(t, "1Gi", cache.Values["master"].(map[string]interface{})["persistence"].(map[string]interface{})["size"])

	api := chartSpec(t, m["app-api"].Forward)
	image := api.Values["image"].(map[string]interface{})
	assert.Equal(t, "registry.example.com/acme/api", image["repository"])
	assert.Equal(t, "v1", image["tag"])
	assert.Equal(t, 2, api.Values["replicaCount"])

	docs := m["app-docs"].Forward.(*steps.ManifestStep)
	assert.Equal(t, "manifests/docs.yaml", docs.Manifest)
	assert.Equal(t, "staging", docs.Namespace)

	router := m["router-public"]
	assert.Equal(t, "public.staging.apps.example.com", router.Labels["host"])
	manifest := router.Forward.(*steps.ManifestStep).Manifest
	content, err := os.ReadFile(filepath.Join(workDir, manifest))
	require.NoError(t, err)

	var ingress map[string]interface{}
	require.NoError(t, yaml.Unmarshal(content, &ingress))
	assert.Equal(t, "Ingress", ingress["kind"])
	spec := ingress["spec"].(map[string]interface{})
	rule := spec["rules"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "public.staging.apps.example.com", rule["host"])
	paths := rule["http"].(map[string]interface{})["paths"].([]interface{})
	require.Len(t, paths, 2)
	backend := paths[1].(map[string]interface{})["backend"].(map[string]interface{})["service"].(map[string]interface{})
	assert.Equal(t, "api", backend["name"])
	assert.Equal(t, 8080, backend["port"].(map[string]interface{})["number"])
	assert.Contains(t, spec, "tls")

	nsPath := m["namespace"].Forward.(*steps.ManifestStep).Manifest
	assert.FileExists(t, filepath.Join(workDir, nsPath))
}

func TestBuild_EnvironmentPause(t *testing.T) {
	p, _ := newTestPlanner(t)

	actions, err := p.Build(OperationEnvironmentPause, testDescriptor(), "staging")
	require.NoError(t, err)
	require.Len(t, actions, 1)

	forward := actions[0].Forward.(*steps.ScaleStep)
	rollback := actions[0].Rollback.(*steps.ScaleStep)
	assert.Equal(t, map[string]int{"deployment/api": 0, "deployment/docs": 0, "statefulset/cache": 0}, forward.Replicas)
	assert.Equal(t, map[string]int{"deployment/api": 2, "deployment/docs": 1, "statefulset/cache": 1}, rollback.Replicas)

	desc := testDescriptor()
	desc.Environments[0].Applications = nil
	desc.Environments[0].Databases = nil
	_, err = p.Build(OperationEnvironmentPause, desc, "staging")
	assert.Error(t, err)
}

func TestBuild_EnvironmentDelete(t *testing.T) {
	p, _ := newTestPlanner(t)

	actions, err := p.Build(OperationEnvironmentDelete, testDescriptor(), "staging")
	require.NoError(t, err)

	m := byID(actions)
	for _, a := range actions {
		assert.False(t, a.Reversible(), a.ID)
		assert.Equal(t, engine.ActionKindDeleteEnvironment, a.Kind)
	}
	assert.Equal(t, []string{"app-api"}, m["database-main"].DependsOn)
	assert.Equal(t, []string{"app-api", "app-docs", "database-main", "database-cache"}, m["namespace"].DependsOn)
	assert.Equal(t, steps.TerraformDestroy, m["database-main"].Forward.(*steps.TerraformStep).Operation)
}

func TestBuild_Errors(t *testing.T) {
	p, _ := newTestPlanner(t)

	_, err := p.Build("resize_cluster", testDescriptor(), "")
	assert.Error(t, err)

	_, err = p.Build(OperationEnvironmentDeploy, testDescriptor(), "missing")
	assert.Error(t, err)

	_, err = p.Build(OperationClusterCreate, nil, "")
	assert.Error(t, err)
}

func TestPopulate_Plan(t *testing.T) {
	p, _ := newTestPlanner(t)
	desc := testDescriptor()

	eng, err := engine.New(engine.DefaultConfig(), engine.Collaborators{})
	require.NoError(t, err)

	sc := p.SessionContext(desc, "staging")
	assert.Equal(t, "silver", sc.Labels["tier"])
	assert.Equal(t, "true", sc.Labels["protected"])
	assert.Equal(t, engine.ProviderAWS, sc.Provider)

	session, err := eng.NewSession(context.Background(), sc)
	require.NoError(t, err)
	defer session.Close()

	tx, err := session.Transaction()
	require.NoError(t, err)
	require.NoError(t, p.Populate(tx, OperationEnvironmentDeploy, desc, "staging"))

	graph, err := tx.Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{"namespace", "image-api"}, graph.Levels[0])
	assert.Equal(t, 4, graph.Depth())
	require.NoError(t, tx.Discard())
}

func TestSplitReference(t *testing.T) {
	tests := []struct {
		ref, repo, tag string
	}{
		{"nginx:1.27", "nginx", "1.27"},
		{"nginx", "nginx", "latest"},
		{"registry:5000/team/api", "registry:5000/team/api", "latest"},
		{"registry:5000/team/api:v2", "registry:5000/team/api", "v2"},
	}
	for _, tt := range tests {
		repo, tag := splitReference(tt.ref)
		assert.Equal(t, tt.repo, repo, tt.ref)
		assert.Equal(t, tt.tag, tag, tt.ref)
	}
}

func TestOperation(t *testing.T) {
	for _, op := range Operations {
		assert.NoError(t, op.Validate())
	}
	assert.True(t, OperationEnvironmentPause.TargetsEnvironment())
	assert.False(t, OperationClusterPause.TargetsEnvironment())
	assert.True(t, OperationClusterDelete.IsDestructive())
	assert.False(t, OperationEnvironmentDeploy.IsDestructive())
}
