package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/pkg/config"
)

const (
	labelManagedBy   = "app.kubernetes.io/managed-by"
	labelCluster     = "deckhand.io/cluster"
	labelEnvironment = "deckhand.io/environment"

	defaultServicePort = 80
)

func (b *builder) envLabels(env *config.EnvironmentSpec) map[string]any {
	labels := map[string]any{
		labelManagedBy:   "deckhand",
		labelCluster:     b.desc.Cluster.ID,
		labelEnvironment: env.ID,
	}
	for k, v := range env.Labels {
		labels[k] = v
	}
	return labels
}

func (b *builder) namespaceManifest(env *config.EnvironmentSpec) map[string]any {
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata": map[string]any{
			"name":   env.NamespaceName(),
			"labels": b.envLabels(env),
		},
	}
}

// ingressManifest renders one Ingress per router. Routes to the same host are
// grouped under a single rule.
func (b *builder) ingressManifest(env *config.EnvironmentSpec, router config.RouterSpec, host string) map[string]any {
	ports := make(map[string]int, len(env.Applications))
	for _, app := range env.Applications {
		port := app.Port
		if port == 0 {
			port = defaultServicePort
		}
		ports[app.Name] = port
	}

	paths := make([]any, 0, len(router.Routes))
	for _, route := range router.Routes {
		paths = append(paths, map[string]any{
			"path":     route.Path,
			"pathType": "Prefix",
			"backend": map[string]any{
				"service": map[string]any{
					"name": route.Application,
					"port": map[string]any{"number": ports[route.Application]},
				},
			},
		})
	}

	rule := map[string]any{"http": map[string]any{"paths": paths}}
	if host != "" {
		rule["host"] = host
	}
	spec := map[string]any{"rules": []any{rule}}

	metadata := map[string]any{
		"name":      router.Name,
		"namespace": env.NamespaceName(),
		"labels":    b.envLabels(env),
	}
	if router.TLS && host != "" {
		spec["tls"] = []any{map[string]any{
			"hosts":      []any{host},
			"secretName": router.Name + "-tls",
		}}
		metadata["annotations"] = map[string]any{
			"cert-manager.io/cluster-issuer": b.p.clusterIssuer,
		}
	}

	return map[string]any{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "Ingress",
		"metadata":   metadata,
		"spec":       spec,
	}
}

// writeManifest renders documents into the render dir and returns the path
// relative to the work dir, the form steps resolve against StepInput.WorkDir.
func (b *builder) writeManifest(envID, name string, docs ...map[string]any) (string, error) {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		out, err := yaml.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("failed to render %s: %w", name, err)
		}
		parts = append(parts, string(out))
	}

	rel := filepath.Join(b.p.renderDir, b.desc.Cluster.ID, envID, name+".yaml")
	abs := rel
	if !filepath.IsAbs(rel) {
		abs = filepath.Join(b.p.workDir, rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create render dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(strings.Join(parts, "---\n")), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return rel, nil
}

// splitReference splits "registry/repo:tag" into repository and tag. A colon
// inside the registry host is not a tag separator.
func splitReference(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i+1:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}
