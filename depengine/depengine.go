// Package depengine builds the Application dependency DAG, computes the
// maximum-runtime estimate for the experiment timeout, and drives the
// deferred-start engine described in §4.7.
package depengine

import (
	"fmt"

	"github.com/kestrelnet/ptb/config"
)

// AppKey identifies an Application by its (Instance, Application) name
// pair, unique across the whole run (§3 invariant).
type AppKey struct {
	Instance string
	App      string
}

func (k AppKey) String() string { return k.Instance + "." + k.App }

// node is one Application as seen by the engine.
type node struct {
	key     AppKey
	delay   float64
	runtime float64 // 0 for daemons
	daemon  bool
	inEdges []config.Dependency
}

// container is a reverse-dependency container: one per Application that
// has inbound edges, tracking which edges have been satisfied (§4.7).
type container struct {
	key       AppKey
	satisfied map[int]bool // index into node.inEdges
}

// Engine is the built, validated dependency graph plus deferred-start
// bookkeeping.
type Engine struct {
	nodes      map[AppKey]*node
	forward    map[AppKey][]AppKey // predecessor -> successors
	containers map[AppKey]*container
	roots      []AppKey
}

// Build constructs the Engine from every Instance's Applications. The
// config package's Validate has already rejected cycles, disconnected
// subgraphs and illegal at=finish-on-daemon edges, so Build assumes a
// valid DAG and focuses on the runtime-estimate/deferred-start structures.
func Build(cfg *config.TestbedConfig) (*Engine, error) {
	e := &Engine{
		nodes:      map[AppKey]*node{},
		forward:    map[AppKey][]AppKey{},
		containers: map[AppKey]*container{},
	}

	for _, inst := range cfg.Instances {
		for _, app := range inst.Applications {
			key := AppKey{inst.Name, app.Name}
			n := &node{key: key, delay: app.Delay, daemon: app.IsDaemon()}
			if app.Runtime != nil {
				n.runtime = *app.Runtime
			}
			n.inEdges = app.DependsOn
			e.nodes[key] = n
		}
	}

	for key, n := range e.nodes {
		if len(n.inEdges) == 0 {
			e.roots = append(e.roots, key)
			continue
		}
		c := &container{key: key, satisfied: map[int]bool{}}
		e.containers[key] = c
		for _, dep := range n.inEdges {
			predKey := AppKey{dep.Instance, dep.Application}
			if _, ok := e.nodes[predKey]; !ok {
				return nil, fmt.Errorf("depengine: %s depends on unknown application %s", key, predKey)
			}
			e.forward[predKey] = append(e.forward[predKey], key)
		}
	}

	return e, nil
}

// Roots returns every Application with no dependencies — the engine's
// initial starts (§4.7).
func (e *Engine) Roots() []AppKey {
	out := make([]AppKey, len(e.roots))
	copy(out, e.roots)
	return out
}

// MaximumRuntime computes the longest path length in time across the DAG
// (§4.7). A node contributes `delay + runtime` (0 runtime for daemons);
// each edge adds a one-second hop; a predecessor's contribution is
// subtracted when the edge's at=start (the successor begins in parallel
// with it). If every node is a daemon, the estimate is 0.
func (e *Engine) MaximumRuntime() float64 {
	memo := map[AppKey]float64{}
	var longest func(key AppKey) float64
	longest = func(key AppKey) float64 {
		if v, ok := memo[key]; ok {
			return v
		}
		n := e.nodes[key]
		self := n.delay + n.runtime

		best := self
		for _, dep := range n.inEdges {
			predKey := AppKey{dep.Instance, dep.Application}
			predContribution := longest(predKey)
			hop := 1.0
			pathLen := predContribution + hop
			if dep.At == config.DependencyAtStart {
				// the successor runs in parallel with its predecessor,
				// so the predecessor's own contribution is subtracted
				// back out of the path length once it reaches this node.
				predNode := e.nodes[predKey]
				pathLen -= (predNode.delay + predNode.runtime)
			}
			total := pathLen + self
			if total > best {
				best = total
			}
		}
		memo[key] = best
		return best
	}

	allDaemons := true
	max := 0.0
	for key, n := range e.nodes {
		if !n.daemon {
			allDaemons = false
		}
		if v := longest(key); v > max {
			max = v
		}
	}
	if allDaemons {
		return 0
	}
	return max
}

// SatisfyAndCheck marks every edge matching (instance, app, at) as
// satisfied and returns the set of Applications that become newly
// startable as a result. The operation is idempotent on replay: an
// already-satisfied edge produces no new start (§4.7, §8).
func (e *Engine) SatisfyAndCheck(instance, app string, at config.DependencyPoint) []AppKey {
	var newlyStartable []AppKey
	predKey := AppKey{instance, app}

	for _, succKey := range e.forward[predKey] {
		c, ok := e.containers[succKey]
		if !ok {
			continue
		}
		n := e.nodes[succKey]
		anyNewlySatisfied := false
		for i, dep := range n.inEdges {
			if dep.Instance == instance && dep.Application == app && dep.At == at {
				if !c.satisfied[i] {
					c.satisfied[i] = true
					anyNewlySatisfied = true
				}
			}
		}
		if !anyNewlySatisfied {
			continue
		}
		if len(c.satisfied) == len(n.inEdges) && allTrue(c.satisfied, len(n.inEdges)) {
			newlyStartable = append(newlyStartable, succKey)
		}
	}

	return newlyStartable
}

func allTrue(m map[int]bool, n int) bool {
	for i := 0; i < n; i++ {
		if !m[i] {
			return false
		}
	}
	return true
}

// MarkUnsatisfiable propagates a failed predecessor's at=finish edges as
// permanently unsatisfiable: the dependent is never started and is
// reported NEVER_STARTED (§7, §9 open question resolution). It returns
// every Application this failure rules out, transitively.
func (e *Engine) MarkUnsatisfiable(instance, app string) []AppKey {
	var ruledOut []AppKey
	var walk func(predKey AppKey)
	visited := map[AppKey]bool{}
	walk = func(predKey AppKey) {
		for _, succKey := range e.forward[predKey] {
			if visited[succKey] {
				continue
			}
			n := e.nodes[succKey]
			for _, dep := range n.inEdges {
				if dep.Instance == predKey.Instance && dep.Application == predKey.App && dep.At == config.DependencyAtFinish {
					visited[succKey] = true
					ruledOut = append(ruledOut, succKey)
					walk(succKey)
				}
			}
		}
	}
	walk(AppKey{instance, app})
	return ruledOut
}
