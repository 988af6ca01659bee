package planner

import (
	"fmt"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/steps"
)

const (
	idNamespace = "namespace"
	idPause     = "pause"

	prefixImage       = "image"
	prefixDatabase    = "database"
	prefixApplication = "app"
	prefixRouter      = "router"

	moduleDatabase = "database"

	databaseRepo = "https://charts.bitnami.com/bitnami"
)

// persistenceKey is the chart value holding the volume size of each
// in-cluster database engine.
var persistenceKey = map[string][]string{
	"postgresql": {"primary", "persistence", "size"},
	"mysql":      {"primary", "persistence", "size"},
	"redis":      {"master", "persistence", "size"},
	"mongodb":    {"persistence", "size"},
}

func (b *builder) addEnv(env *config.EnvironmentSpec, id, name string, kind engine.ActionKind, s steps.Steps, deps ...string) *engine.Action {
	a := b.add(id, name, kind, s, deps...)
	a.Labels["environment"] = env.ID
	return a
}

// deployEnvironment plans the namespace, image builds, databases,
// applications and routers of an environment. Images build in parallel with
// the namespace; applications wait for their image and databases; routers for
// the applications they route to.
func (b *builder) deployEnvironment(env *config.EnvironmentSpec) error {
	ns := env.NamespaceName()

	nsManifest, err := b.writeManifest(env.ID, "namespace", b.namespaceManifest(env))
	if err != nil {
		return err
	}
	b.addEnv(env, idNamespace, "Create namespace "+ns, engine.ActionKindDeployEnvironment,
		b.p.factory.Manifest(engine.ActionKindDeployEnvironment, "", nsManifest))

	refs := make(map[string]string, len(env.Images))
	for _, img := range env.Images {
		tag := img.Tag
		if tag == "" {
			tag = b.p.imageTag
		}
		step := b.p.factory.Image(img.Name, tag, img.Context, img.Dockerfile, img.BuildArgs)
		refs[img.Name] = step.Reference()
		a := b.addEnv(env, actionID(prefixImage, img.Name), "Build image "+img.Name, engine.ActionKindBuildImage,
			steps.Steps{Forward: step})
		a.Labels["image"] = img.Name
	}

	for _, db := range env.Databases {
		s, err := b.databaseSteps(env, db, engine.ActionKindDeployDatabase)
		if err != nil {
			return err
		}
		a := b.addEnv(env, actionID(prefixDatabase, db.Name), "Deploy database "+db.Name, engine.ActionKindDeployDatabase,
			s, idNamespace)
		a.LocksClusterState = db.Managed
		a.Labels["database"] = db.Name
	}

	for _, app := range env.Applications {
		deps := []string{idNamespace}
		image := app.Image
		if ref, ok := refs[app.Image]; ok {
			image = ref
			deps = append(deps, actionID(prefixImage, app.Image))
		}
		for _, db := range app.Databases {
			deps = append(deps, actionID(prefixDatabase, db))
		}

		var s steps.Steps
		if app.Chart != "" {
			s = b.p.factory.Chart(engine.ActionKindDeployApplication, applicationChart(ns, app, image))
		} else {
			s = b.p.factory.Manifest(engine.ActionKindDeployApplication, ns, app.Manifest, steps.WaitCondition{
				Resource:  "deployment/" + app.Name,
				Condition: "condition=Available",
			})
		}
		a := b.addEnv(env, actionID(prefixApplication, app.Name), "Deploy application "+app.Name,
			engine.ActionKindDeployApplication, s, deps...)
		a.Labels["application"] = app.Name
	}

	for _, router := range env.Routers {
		host := router.Host
		if host == "" && b.p.hosts != nil {
			host = b.p.hosts.Hostname(router.Name, env.ID)
		}
		manifest, err := b.writeManifest(env.ID, actionID(prefixRouter, router.Name),
			b.ingressManifest(env, router, host))
		if err != nil {
			return err
		}

		deps := []string{idNamespace}
		seen := make(map[string]bool)
		for _, route := range router.Routes {
			if !seen[route.Application] {
				seen[route.Application] = true
				deps = append(deps, actionID(prefixApplication, route.Application))
			}
		}
		a := b.addEnv(env, actionID(prefixRouter, router.Name), "Deploy router "+router.Name, engine.ActionKindDeployRouter,
			b.p.factory.Manifest(engine.ActionKindDeployRouter, ns, manifest), deps...)
		a.Labels["router"] = router.Name
		if host != "" {
			a.Labels["host"] = host
		}
	}
	return nil
}

// pauseEnvironment scales applications and in-cluster databases to zero. The
// rollback restores the declared replica counts.
func (b *builder) pauseEnvironment(env *config.EnvironmentSpec) error {
	target := make(map[string]int)
	restore := make(map[string]int)
	for _, app := range env.Applications {
		workload := "deployment/" + app.Name
		target[workload] = 0
		restore[workload] = app.Replicas
	}
	for _, db := range env.Databases {
		if db.Managed {
			continue
		}
		workload := "statefulset/" + db.Name
		target[workload] = 0
		restore[workload] = 1
	}
	if len(target) == 0 {
		return engine.NewConfigurationError(fmt.Sprintf("environment %s has no workloads to pause", env.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}

	b.addEnv(env, idPause, "Pause environment "+env.ID, engine.ActionKindPauseEnvironment,
		b.p.factory.Scale(env.NamespaceName(), target, restore))
	return nil
}

// deleteEnvironment removes applications, then databases, then the
// namespace. Nothing is reversible.
func (b *builder) deleteEnvironment(env *config.EnvironmentSpec) error {
	ns := env.NamespaceName()
	kind := engine.ActionKindDeleteEnvironment

	users := make(map[string][]string)
	var all []string
	for _, app := range env.Applications {
		id := actionID(prefixApplication, app.Name)
		var s steps.Steps
		if app.Chart != "" {
			s = b.p.factory.Chart(kind, steps.ChartSpec{Release: app.Name, Namespace: ns, Chart: app.Chart})
		} else {
			s = b.p.factory.Manifest(kind, ns, app.Manifest)
		}
		a := b.addEnv(env, id, "Delete application "+app.Name, kind, s)
		a.Labels["application"] = app.Name
		for _, db := range app.Databases {
			users[db] = append(users[db], id)
		}
		all = append(all, id)
	}

	for _, db := range env.Databases {
		s, err := b.databaseSteps(env, db, kind)
		if err != nil {
			return err
		}
		id := actionID(prefixDatabase, db.Name)
		a := b.addEnv(env, id, "Delete database "+db.Name, kind, s, users[db.Name]...)
		a.LocksClusterState = db.Managed
		a.Labels["database"] = db.Name
		all = append(all, id)
	}

	nsManifest, err := b.writeManifest(env.ID, "namespace", b.namespaceManifest(env))
	if err != nil {
		return err
	}
	b.addEnv(env, idNamespace, "Delete namespace "+ns, kind, b.p.factory.Manifest(kind, "", nsManifest), all...)
	return nil
}

// databaseSteps provisions managed databases through terraform and runs the
// others in-cluster from a chart.
func (b *builder) databaseSteps(env *config.EnvironmentSpec, db config.DatabaseSpec, kind engine.ActionKind) (steps.Steps, error) {
	if db.Managed {
		vars := map[string]string{
			"cluster_id":  b.desc.Cluster.ID,
			"environment": env.ID,
			"namespace":   env.NamespaceName(),
			"name":        db.Name,
			"engine":      db.Engine,
		}
		if db.Version != "" {
			vars["engine_version"] = db.Version
		}
		if db.Size != "" {
			vars["size"] = db.Size
		}
		return b.terraform(kind, moduleDatabase, env.ID+"-"+db.Name, vars)
	}

	spec := steps.ChartSpec{
		Release:   db.Name,
		Namespace: env.NamespaceName(),
		Chart:     db.Engine,
		RepoURL:   databaseRepo,
		Values:    map[string]interface{}{"fullnameOverride": db.Name},
	}
	if db.Version != "" {
		spec.Values["image"] = map[string]interface{}{"tag": db.Version}
	}
	if key, ok := persistenceKey[db.Engine]; ok && db.Size != "" {
		setPath(spec.Values, key, db.Size)
	}
	return b.p.factory.Chart(kind, spec), nil
}

func applicationChart(namespace string, app config.ApplicationSpec, image string) steps.ChartSpec {
	repo, tag := splitReference(image)
	values := map[string]interface{}{
		"fullnameOverride": app.Name,
		"replicaCount":     app.Replicas,
		"image": map[string]interface{}{
			"repository": repo,
			"tag":        tag,
		},
	}
	if app.Port != 0 {
		values["service"] = map[string]interface{}{"port": app.Port}
	}
	if len(app.Env) > 0 {
		env := make(map[string]interface{}, len(app.Env))
		for k, v := range app.Env {
			env[k] = v
		}
		values["env"] = env
	}
	return steps.ChartSpec{
		Release:   app.Name,
		Namespace: namespace,
		Chart:     app.Chart,
		Values:    values,
	}
}

func setPath(values map[string]interface{}, path []string, v interface{}) {
	for _, key := range path[:len(path)-1] {
		next, ok := values[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			values[key] = next
		}
		values = next
	}
	values[path[len(path)-1]] = v
}
