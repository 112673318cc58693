package shipohoy

import "time"

// LabelManaged marks containers created through a shipohoy runtime.
const LabelManaged = "shipohoy.managed"

// YardPlan configures default behavior for all containers in a yard.
type YardPlan struct {
	NamePrefix   string
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
}

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount describes a host bind mount placed inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a single-command container.
type ContainerSpec struct {
	Name         string
	Image        string
	Snapshotter  string
	Env          map[string]string
	Labels       map[string]string
	Command      []string
	WorkingDir   string
	Mounts       []Mount
	ResourceCaps *ResourceCaps
}

// JanitorSpec prunes managed containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}

// mergeSpec overlays yard defaults onto container spec.
func mergeSpec(spec ContainerSpec, plan YardPlan) ContainerSpec {
	out := spec
	out.Env = copyMap(spec.Env)
	out.Labels = copyMap(spec.Labels)
	for k, v := range plan.Env {
		if _, ok := out.Env[k]; !ok {
			out.Env[k] = v
		}
	}
	for k, v := range plan.Labels {
		if _, ok := out.Labels[k]; !ok {
			out.Labels[k] = v
		}
	}
	if plan.NamePrefix != "" {
		out.Name = plan.NamePrefix + out.Name
	}
	if out.ResourceCaps == nil {
		caps := plan.ResourceCaps
		out.ResourceCaps = &caps
	} else {
		caps := *out.ResourceCaps
		if caps.MemoryBytes == 0 {
			caps.MemoryBytes = plan.ResourceCaps.MemoryBytes
		}
		if caps.NanoCPUs == 0 {
			caps.NanoCPUs = plan.ResourceCaps.NanoCPUs
		}
		out.ResourceCaps = &caps
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
