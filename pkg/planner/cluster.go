package planner

import (
	"strconv"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/steps"
)

const (
	idNetwork = "network"
	idCluster = "cluster"

	prefixNodeGroup = "node-group"
	prefixAddon     = "addon"

	moduleNetwork   = "network"
	moduleCluster   = "cluster"
	moduleNodeGroup = "node_group"
)

// hasNetwork reports whether the cluster owns its network. On-premise
// clusters run on networks they do not provision.
func (b *builder) hasNetwork() bool {
	return b.desc.Cluster.Network != nil && b.provider != engine.ProviderOnPremise
}

// createCluster plans network, cluster, node groups and addons. Node groups
// depend on the cluster, addons on every node group and on the addons they
// declare.
func (b *builder) createCluster() error {
	c := b.desc.Cluster

	var clusterDeps []string
	if b.hasNetwork() {
		s, err := b.terraform(engine.ActionKindProvisionNetwork, moduleNetwork, "", b.clusterVars())
		if err != nil {
			return err
		}
		b.add(idNetwork, "Provision network "+c.Network.CIDR, engine.ActionKindProvisionNetwork, s).
			LocksClusterState = true
		clusterDeps = append(clusterDeps, idNetwork)
	}

	s, err := b.terraform(engine.ActionKindProvisionCluster, moduleCluster, "", b.clusterVars())
	if err != nil {
		return err
	}
	b.add(idCluster, "Provision cluster "+c.ID, engine.ActionKindProvisionCluster, s, clusterDeps...).
		LocksClusterState = true

	addonDeps := []string{idCluster}
	for _, ng := range c.NodeGroups {
		s, err := b.terraform(engine.ActionKindProvisionNodeGroup, moduleNodeGroup, ng.Name, nodeGroupVars(c.ID, ng))
		if err != nil {
			return err
		}
		id := actionID(prefixNodeGroup, ng.Name)
		a := b.add(id, "Provision node group "+ng.Name, engine.ActionKindProvisionNodeGroup, s, idCluster)
		a.LocksClusterState = true
		a.Labels["node_group"] = ng.Name
		addonDeps = append(addonDeps, id)
	}

	for _, addon := range c.Addons {
		deps := append([]string(nil), addonDeps...)
		for _, dep := range addon.DependsOn {
			deps = append(deps, actionID(prefixAddon, dep))
		}
		s := b.p.factory.Chart(engine.ActionKindInstallAddon, addonChart(addon))
		a := b.add(actionID(prefixAddon, addon.Name), "Install addon "+addon.Name, engine.ActionKindInstallAddon, s, deps...)
		a.Labels["addon"] = addon.Name
	}
	return nil
}

func (b *builder) pauseCluster() error {
	s, err := b.terraform(engine.ActionKindPauseCluster, moduleCluster, "", b.clusterVars())
	if err != nil {
		return err
	}
	b.add(idCluster+"-pause", "Pause cluster "+b.desc.Cluster.ID, engine.ActionKindPauseCluster, s).
		LocksClusterState = true
	return nil
}

// deleteCluster reverses createCluster. An addon is uninstalled after every
// addon depending on it; every step is non-reversible.
func (b *builder) deleteCluster() error {
	c := b.desc.Cluster

	dependents := make(map[string][]string)
	for _, addon := range c.Addons {
		for _, dep := range addon.DependsOn {
			dependents[dep] = append(dependents[dep], actionID(prefixAddon, addon.Name))
		}
	}

	var addonIDs []string
	for _, addon := range c.Addons {
		id := actionID(prefixAddon, addon.Name)
		s := b.p.factory.Chart(engine.ActionKindDeleteAddon, addonChart(addon))
		a := b.add(id, "Uninstall addon "+addon.Name, engine.ActionKindDeleteAddon, s, dependents[addon.Name]...)
		a.Labels["addon"] = addon.Name
		addonIDs = append(addonIDs, id)
	}

	var groupIDs []string
	for _, ng := range c.NodeGroups {
		s, err := b.terraform(engine.ActionKindDeleteNodeGroup, moduleNodeGroup, ng.Name, nodeGroupVars(c.ID, ng))
		if err != nil {
			return err
		}
		id := actionID(prefixNodeGroup, ng.Name)
		a := b.add(id, "Delete node group "+ng.Name, engine.ActionKindDeleteNodeGroup, s, addonIDs...)
		a.LocksClusterState = true
		a.Labels["node_group"] = ng.Name
		groupIDs = append(groupIDs, id)
	}

	clusterDeps := groupIDs
	if len(clusterDeps) == 0 {
		clusterDeps = addonIDs
	}
	s, err := b.terraform(engine.ActionKindDeleteCluster, moduleCluster, "", b.clusterVars())
	if err != nil {
		return err
	}
	b.add(idCluster, "Delete cluster "+c.ID, engine.ActionKindDeleteCluster, s, clusterDeps...).
		LocksClusterState = true

	if b.hasNetwork() {
		s, err := b.terraform(engine.ActionKindDeleteNetwork, moduleNetwork, "", b.clusterVars())
		if err != nil {
			return err
		}
		b.add(idNetwork, "Delete network "+c.Network.CIDR, engine.ActionKindDeleteNetwork, s, idCluster).
			LocksClusterState = true
	}
	return nil
}

func nodeGroupVars(clusterID string, ng config.NodeGroupSpec) map[string]string {
	return map[string]string{
		"cluster_id":    clusterID,
		"name":          ng.Name,
		"instance_type": ng.InstanceType,
		"min_size":      strconv.Itoa(ng.MinSize),
		"max_size":      strconv.Itoa(ng.MaxSize),
	}
}

func addonChart(addon config.AddonSpec) steps.ChartSpec {
	return steps.ChartSpec{
		Release:     addon.Name,
		Namespace:   addon.Namespace,
		Chart:       addon.Chart,
		RepoURL:     addon.RepoURL,
		Version:     addon.Version,
		ValuesFiles: addon.ValuesFiles,
		Values:      addon.Values,
	}
}
