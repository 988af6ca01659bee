// Package planner builds the actions of a cluster or environment operation
// from a deployment descriptor.
//
// Cluster operations create, pause or delete the network, the cluster, its
// node groups and addons. Environment operations deploy, pause or delete the
// namespace, images, databases, applications and routers of one environment.
// Steps come from a steps.Factory, so the planner never runs a tool itself;
// it only renders the namespace and ingress manifests the steps apply.
//
//	p := planner.New(factory, workDir, planner.WithRouterHosts(dns))
//	session, _ := eng.NewSession(ctx, p.SessionContext(desc, "staging"))
//	tx, _ := session.Transaction()
//	if err := p.Populate(tx, planner.OperationEnvironmentDeploy, desc, "staging"); err != nil {
//	    return err
//	}
//	result, err := tx.Commit(ctx)
package planner
