package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DslsDZC/dslos-core/pkg/types"
)

// serviceManifest is the YAML shape `dslosctl service create -f` accepts.
//
//	apiVersion: dslos/v1
//	kind: Service
//	metadata:
//	  name: web
//	spec:
//	  image: registry.local/web:1
//	  command: ["/srv/web", "--port=8080"]
//	  env:
//	    MODE: production
//	  resources:
//	    cpu: 1.0
//	    memory: 1Gi
//	  replicas: 2
//	  minReplicas: 1
//	  maxReplicas: 4
//	  healthCheck:
//	    kind: http
//	    endpoint: http://localhost:8080/healthz
//	    interval: 10s
//	    timeout: 5s
//	  update:
//	    strategy: rolling_update
//	    maxSurge: 1
//	    maxUnavailable: 0
type serviceManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   manifestMetadata `yaml:"metadata"`
	Spec       manifestSpec     `yaml:"spec"`
}

type manifestMetadata struct {
	Name string `yaml:"name"`
}

type manifestSpec struct {
	Image       string             `yaml:"image"`
	Command     []string           `yaml:"command,omitempty"`
	Env         map[string]string  `yaml:"env,omitempty"`
	Resources   manifestResources  `yaml:"resources"`
	Limits      *manifestResources `yaml:"limits,omitempty"`
	Replicas    int                `yaml:"replicas"`
	MinReplicas int                `yaml:"minReplicas"`
	MaxReplicas int                `yaml:"maxReplicas"`
	HealthCheck *manifestHealth    `yaml:"healthCheck,omitempty"`
	Update      *manifestUpdate    `yaml:"update,omitempty"`
}

type manifestResources struct {
	CPU     float64 `yaml:"cpu"`
	Memory  string  `yaml:"memory,omitempty"`
	Storage string  `yaml:"storage,omitempty"`
}

type manifestHealth struct {
	Kind     string        `yaml:"kind"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Command  []string      `yaml:"command,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

type manifestUpdate struct {
	Strategy       string `yaml:"strategy"`
	MaxSurge       int    `yaml:"maxSurge"`
	MaxUnavailable int    `yaml:"maxUnavailable"`
}

// loadManifest reads and converts a service manifest into a ServiceSpec.
func loadManifest(path string) (types.ServiceSpec, error) {
	var spec types.ServiceSpec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read manifest: %w", err)
	}
	var m serviceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return spec, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Kind != "" && m.Kind != "Service" {
		return spec, fmt.Errorf("unsupported manifest kind %q", m.Kind)
	}
	if m.Metadata.Name == "" {
		return spec, fmt.Errorf("manifest metadata.name is required")
	}

	req, err := m.Spec.Resources.toCapacity()
	if err != nil {
		return spec, err
	}
	spec = types.ServiceSpec{
		Name:           m.Metadata.Name,
		Image:          m.Spec.Image,
		Command:        m.Spec.Command,
		Env:            m.Spec.Env,
		ResourceReq:    req,
		TargetReplicas: m.Spec.Replicas,
		MinReplicas:    m.Spec.MinReplicas,
		MaxReplicas:    m.Spec.MaxReplicas,
	}
	if spec.TargetReplicas == 0 {
		spec.TargetReplicas = 1
	}
	if spec.MaxReplicas == 0 {
		spec.MaxReplicas = spec.TargetReplicas
	}
	if m.Spec.Limits != nil {
		if spec.ResourceLimit, err = m.Spec.Limits.toCapacity(); err != nil {
			return spec, err
		}
	}
	if hc := m.Spec.HealthCheck; hc != nil {
		spec.HealthCheck = &types.HealthCheckSpec{
			Kind:     types.HealthCheckKind(hc.Kind),
			Endpoint: hc.Endpoint,
			Command:  hc.Command,
			Interval: hc.Interval,
			Timeout:  hc.Timeout,
		}
	}
	if u := m.Spec.Update; u != nil {
		spec.Update = types.UpdateStrategy{
			Kind:           types.UpdateStrategyKind(u.Strategy),
			MaxSurge:       u.MaxSurge,
			MaxUnavailable: u.MaxUnavailable,
		}
	} else {
		spec.Update = types.UpdateStrategy{Kind: types.UpdateRecreate}
	}
	return spec, nil
}

func (r manifestResources) toCapacity() (types.ResourceCapacity, error) {
	mem, err := parseMemory(r.Memory)
	if err != nil {
		return types.ResourceCapacity{}, err
	}
	sto, err := parseMemory(r.Storage)
	if err != nil {
		return types.ResourceCapacity{}, err
	}
	return types.ResourceCapacity{CPUCores: r.CPU, MemoryBytes: mem, StorageBytes: sto}, nil
}

// parseMemory accepts "512Mi", "1Gi", "2G", "1048576" style quantities.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"Ki", 1 << 10}, {"Mi", 1 << 20}, {"Gi", 1 << 30}, {"Ti", 1 << 40},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
	}
	for _, u := range units {
		if len(s) > len(u.suffix) && s[len(s)-len(u.suffix):] == u.suffix {
			var n float64
			if _, err := fmt.Sscanf(s[:len(s)-len(u.suffix)], "%g", &n); err != nil {
				return 0, fmt.Errorf("invalid memory quantity %q", s)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q", s)
	}
	return n, nil
}
