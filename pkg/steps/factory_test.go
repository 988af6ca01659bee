package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func TestFactory_TerraformDispatch(t *testing.T) {
	local, remote := newFakeRunner(), newFakeRunner()
	f := &Factory{
		Local:        local,
		Remote:       remote,
		TemplateRoot: "templates",
		StateBackend: map[string]string{"bucket": "deckhand-state"},
	}
	module := TerraformModule{ClusterID: "prod", Module: "cluster", Vars: map[string]string{"name": "prod"}}

	steps, err := f.Terraform(engine.ProviderAWS, engine.ActionKindProvisionCluster, module)
	require.NoError(t, err)
	forward := steps.Forward.(*TerraformStep)
	assert.Equal(t, "templates/aws/cluster", forward.PlanDir)
	assert.Equal(t, TerraformApply, forward.Operation)
	assert.True(t, forward.VerifyNoDiff)
	assert.True(t, forward.CaptureOutputs)
	assert.Equal(t, "prod/cluster.tfstate", forward.BackendConfig["key"])
	assert.Same(t, local, forward.Runner)
	assert.Equal(t, TerraformDestroy, steps.Rollback.(*TerraformStep).Operation)

	steps, err = f.Terraform(engine.ProviderAWS, engine.ActionKindProvisionNodeGroup,
		TerraformModule{ClusterID: "prod", Module: "node_group", Instance: "general"})
	require.NoError(t, err)
	assert.Equal(t, "prod/node_group/general.tfstate", steps.Forward.(*TerraformStep).BackendConfig["key"])

	steps, err = f.Terraform(engine.ProviderOnPremise, engine.ActionKindProvisionCluster, module)
	require.NoError(t, err)
	assert.Same(t, remote, steps.Forward.(*TerraformStep).Runner)

	steps, err = f.Terraform(engine.ProviderGCP, engine.ActionKindDeleteCluster, module)
	require.NoError(t, err)
	assert.Nil(t, steps.Rollback)

	steps, err = f.Terraform(engine.ProviderAzure, engine.ActionKindPauseCluster, module)
	require.NoError(t, err)
	assert.Equal(t, "true", steps.Forward.(*TerraformStep).Vars["paused"])
	assert.Equal(t, "false", steps.Rollback.(*TerraformStep).Vars["paused"])
	assert.Equal(t, "prod", steps.Rollback.(*TerraformStep).Vars["name"])
}

func TestFactory_Unsupported(t *testing.T) {
	f := &Factory{Local: newFakeRunner()}
	module := TerraformModule{ClusterID: "edge", Module: "network"}

	tests := []struct {
		name     string
		provider engine.ProviderKind
		kind     engine.ActionKind
	}{
		{"on-premise network", engine.ProviderOnPremise, engine.ActionKindProvisionNetwork},
		{"unassigned provider", engine.ProviderUnassigned, engine.ActionKindProvisionCluster},
		{"unknown provider", "openstack", engine.ActionKindProvisionCluster},
		{"no terraform module", engine.ProviderAWS, engine.ActionKindInstallAddon},
		{"on-premise without host", engine.ProviderOnPremise, engine.ActionKindProvisionCluster},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Terraform(tt.provider, tt.kind, module)
			require.Error(t, err)
			assert.True(t, engine.IsConfiguration(err))
		})
	}
}

func TestFactory_ChartAndManifest(t *testing.T) {
	f := &Factory{Local: newFakeRunner(), Kubeconfig: "kubeconfig"}

	steps := f.Chart(engine.ActionKindInstallAddon, ChartSpec{Release: "cert-manager"})
	require.NotNil(t, steps.Rollback)
	assert.Equal(t, "helm upgrade --install cert-manager", steps.Forward.Describe())

	steps = f.Chart(engine.ActionKindDeleteAddon, ChartSpec{Release: "cert-manager"})
	assert.Nil(t, steps.Rollback)

	steps = f.Manifest(engine.ActionKindDeployRouter, "shop", "routers/web.yaml")
	assert.Equal(t, ManifestApply, steps.Forward.(*ManifestStep).Operation)
	assert.Equal(t, ManifestDelete, steps.Rollback.(*ManifestStep).Operation)
	assert.Equal(t, "kubeconfig", steps.Forward.(*ManifestStep).Kubeconfig)
}
