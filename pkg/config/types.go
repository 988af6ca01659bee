package config

import (
	"fmt"
	"strings"
	"time"
)

// Descriptor is a deployment descriptor: one cluster and the environments
// deployed onto it.
type Descriptor struct {
	// Cluster is the target cluster.
	Cluster ClusterSpec `json:"cluster" yaml:"cluster" validate:"required"`

	// Environments are the application environments hosted on the cluster.
	Environments []EnvironmentSpec `json:"environments,omitempty" yaml:"environments,omitempty" validate:"dive"`
}

// ClusterSpec describes a Kubernetes cluster and its infrastructure.
type ClusterSpec struct {
	// ID is the stable cluster identifier (e.g., "prod-eu").
	ID string `json:"id" yaml:"id" validate:"required,hostname_rfc1123"`

	// Organization owns the cluster.
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`

	// Provider is the infrastructure provider.
	Provider string `json:"provider" yaml:"provider" validate:"required,oneof=aws azure gcp scaleway on_premise"`

	// Region is the provider region; defaults to the cloud account region.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// KubernetesVersion is the control plane version (e.g., "1.30").
	KubernetesVersion string `json:"kubernetes_version,omitempty" yaml:"kubernetes_version,omitempty"`

	// Network is provisioned before the cluster when set.
	Network *NetworkSpec `json:"network,omitempty" yaml:"network,omitempty"`

	// NodeGroups are the worker pools.
	NodeGroups []NodeGroupSpec `json:"node_groups,omitempty" yaml:"node_groups,omitempty" validate:"dive"`

	// Addons are cluster-wide helm releases.
	Addons []AddonSpec `json:"addons,omitempty" yaml:"addons,omitempty" validate:"dive"`

	// Labels feed policy decisions (e.g., protected: "true").
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NetworkSpec describes the cluster network.
type NetworkSpec struct {
	// CIDR is the network address range.
	CIDR string `json:"cidr" yaml:"cidr" validate:"required,cidr"`

	// Zones lists the availability zones to span.
	Zones []string `json:"zones,omitempty" yaml:"zones,omitempty"`
}

// NodeGroupSpec describes a worker pool.
type NodeGroupSpec struct {
	Name         string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	InstanceType string `json:"instance_type" yaml:"instance_type" validate:"required"`
	MinSize      int    `json:"min_size" yaml:"min_size" validate:"gte=0"`
	MaxSize      int    `json:"max_size" yaml:"max_size" validate:"gtefield=MinSize,gt=0"`
}

// AddonSpec describes a cluster addon installed with helm.
type AddonSpec struct {
	Name        string                 `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Chart       string                 `json:"chart" yaml:"chart" validate:"required"`
	RepoURL     string                 `json:"repo_url,omitempty" yaml:"repo_url,omitempty" validate:"omitempty,url"`
	Version     string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Namespace   string                 `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	ValuesFiles []string               `json:"values_files,omitempty" yaml:"values_files,omitempty"`
	Values      map[string]interface{} `json:"values,omitempty" yaml:"values,omitempty"`

	// DependsOn names addons that must be installed first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// EnvironmentSpec describes an application environment in its own namespace.
type EnvironmentSpec struct {
	ID        string `json:"id" yaml:"id" validate:"required,hostname_rfc1123"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	Images       []ImageSpec       `json:"images,omitempty" yaml:"images,omitempty" validate:"dive"`
	Databases    []DatabaseSpec    `json:"databases,omitempty" yaml:"databases,omitempty" validate:"dive"`
	Applications []ApplicationSpec `json:"applications,omitempty" yaml:"applications,omitempty" validate:"dive"`
	Routers      []RouterSpec      `json:"routers,omitempty" yaml:"routers,omitempty" validate:"dive"`

	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ImageSpec describes a container image built from source.
type ImageSpec struct {
	Name       string            `json:"name" yaml:"name" validate:"required"`
	Context    string            `json:"context" yaml:"context" validate:"required"`
	Dockerfile string            `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	Tag        string            `json:"tag,omitempty" yaml:"tag,omitempty"`
	BuildArgs  map[string]string `json:"build_args,omitempty" yaml:"build_args,omitempty"`
}

// DatabaseSpec describes a database. Managed databases are provisioned with
// the provider's terraform module; others run in-cluster from a chart.
type DatabaseSpec struct {
	Name    string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Engine  string `json:"engine" yaml:"engine" validate:"required,oneof=postgresql mysql redis mongodb"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Managed bool   `json:"managed,omitempty" yaml:"managed,omitempty"`
	Size    string `json:"size,omitempty" yaml:"size,omitempty"`
}

// ApplicationSpec describes a deployed workload.
type ApplicationSpec struct {
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Image names an ImageSpec of the environment, or is a full reference.
	Image string `json:"image" yaml:"image" validate:"required"`

	// Chart deploys the application with helm; Manifest with kubectl.
	Chart    string `json:"chart,omitempty" yaml:"chart,omitempty" validate:"required_without=Manifest"`
	Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty" validate:"required_without=Chart"`

	Replicas int               `json:"replicas,omitempty" yaml:"replicas,omitempty" validate:"gte=0"`
	Port     int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Databases names databases the application needs before it starts.
	Databases []string `json:"databases,omitempty" yaml:"databases,omitempty"`
}

// RouterSpec exposes applications under a host name.
type RouterSpec struct {
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Host defaults to <name>.<environment>.<dns domain>.
	Host   string  `json:"host,omitempty" yaml:"host,omitempty" validate:"omitempty,fqdn"`
	TLS    bool    `json:"tls,omitempty" yaml:"tls,omitempty"`
	Routes []Route `json:"routes" yaml:"routes" validate:"required,min=1,dive"`
}

// Route maps a path prefix to an application.
type Route struct {
	Path        string `json:"path" yaml:"path" validate:"required,startswith=/"`
	Application string `json:"application" yaml:"application" validate:"required"`
}

// Environment returns the environment with the given ID.
func (d *Descriptor) Environment(id string) (*EnvironmentSpec, bool) {
	for i := range d.Environments {
		if d.Environments[i].ID == id {
			return &d.Environments[i], true
		}
	}
	return nil, false
}

// NamespaceName returns the namespace of the environment.
func (e *EnvironmentSpec) NamespaceName() string {
	if e.Namespace != "" {
		return e.Namespace
	}
	return e.ID
}

// Image returns the image spec with the given name.
func (e *EnvironmentSpec) Image(name string) (*ImageSpec, bool) {
	for i := range e.Images {
		if e.Images[i].Name == name {
			return &e.Images[i], true
		}
	}
	return nil, false
}

// ParsedDescriptor is a loaded descriptor with its provenance.
type ParsedDescriptor struct {
	Descriptor  *Descriptor `json:"descriptor,omitempty"`
	SourceFiles []string    `json:"source_files"`
	ParsedAt    time.Time   `json:"parsed_at"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "cluster.node_groups[0].max_size").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		loc += e.Path + ": "
	}
	return loc + e.Message
}

// ValidationErrors is returned when a descriptor fails validation.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("descriptor has %d error(s): %s", len(errs), strings.Join(msgs, "; "))
}
