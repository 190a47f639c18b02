package config

import "fmt"

// Validate checks the invariants from §3: unique names, network references,
// the daemon/finish rule, and that the dependency graph is an acyclic,
// fully-reachable DAG. It runs before any Instance is touched, so a
// misconfigured run never spawns a hypervisor (§8 scenario 3).
func Validate(cfg *TestbedConfig) error {
	networks := make(map[string]bool, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if networks[n.Name] {
			return fmt.Errorf("%w: duplicate network name %q", ErrConfiguration, n.Name)
		}
		networks[n.Name] = true
	}

	type appKey struct{ instance, app string }
	apps := make(map[appKey]Application)
	instances := make(map[string]bool, len(cfg.Instances))

	for _, inst := range cfg.Instances {
		if instances[inst.Name] {
			return fmt.Errorf("%w: duplicate instance name %q", ErrConfiguration, inst.Name)
		}
		instances[inst.Name] = true

		for _, netName := range inst.Networks {
			if !networks[netName] {
				return fmt.Errorf("%w: instance %q references unknown network %q", ErrConfiguration, inst.Name, netName)
			}
		}

		for _, app := range inst.Applications {
			key := appKey{inst.Name, app.Name}
			if _, dup := apps[key]; dup {
				return fmt.Errorf("%w: duplicate application %q on instance %q", ErrConfiguration, app.Name, inst.Name)
			}
			apps[key] = app
		}
	}

	edges := make(map[appKey][]appKey)
	indegree := make(map[appKey]int)
	for k := range apps {
		indegree[k] = 0
	}

	for key, app := range apps {
		for _, dep := range app.DependsOn {
			predKey := appKey{dep.Instance, dep.Application}
			pred, ok := apps[predKey]
			if !ok {
				return fmt.Errorf("%w: application %q on %q depends on unknown application %s.%s",
					ErrConfiguration, key.app, key.instance, dep.Instance, dep.Application)
			}
			if dep.At == DependencyAtFinish && pred.IsDaemon() {
				return fmt.Errorf("%w: application %q on %q has an at=finish dependency on daemon %s.%s",
					ErrConfiguration, key.app, key.instance, dep.Instance, dep.Application)
			}
			edges[predKey] = append(edges[predKey], key)
			indegree[key]++
		}
	}

	if err := checkDAG(apps, edges, indegree); err != nil {
		return err
	}

	return nil
}

// checkDAG validates acyclicity and full reachability from roots via
// Kahn's algorithm: every node must be removable, and every node not a
// root must be reached by at least one predecessor chain.
func checkDAG[K comparable, V any](nodes map[K]V, edges map[K][]K, indegree map[K]int) error {
	queue := make([]K, 0, len(nodes))
	remaining := make(map[K]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
		if v == 0 {
			queue = append(queue, k)
		}
	}
	if len(nodes) > 0 && len(queue) == 0 {
		return fmt.Errorf("%w: dependency graph has no root (every application has an inbound edge)", ErrConfiguration)
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range edges[n] {
			remaining[succ]--
			if remaining[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(nodes) {
		return fmt.Errorf("%w: dependency graph contains a cycle", ErrConfiguration)
	}
	return nil
}
