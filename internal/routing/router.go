// Package routing picks the agents that should answer a task, based on
// keyword families mapped to specialty tags.
package routing

import (
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
)

// Router selects agents for a task. The rule table can be swapped while
// serving; the directory cannot.
type Router struct {
	dir    *agents.Directory
	mu     sync.RWMutex
	rules  []Rule
	logger *zap.Logger
}

// New creates a router. Nil or empty rules fall back to DefaultFamilies.
func New(dir *agents.Directory, rules []Rule, logger *zap.Logger) *Router {
	if len(rules) == 0 {
		rules = RulesFromFamilies(DefaultFamilies())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{dir: dir, rules: rules, logger: logger}
}

// SetRules swaps the rule table. Nil or empty rules restore DefaultFamilies.
func (r *Router) SetRules(rules []Rule) {
	if len(rules) == 0 {
		rules = RulesFromFamilies(DefaultFamilies())
	}
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	r.logger.Info("Routing rules updated", zap.Int("rules", len(rules)))
}

// MatchedTags returns the tags whose matcher fires on description, in rule
// order.
func (r *Router) MatchedTags(description string) []string {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	lowered := strings.ToLower(description)
	var tags []string
	for _, rule := range rules {
		if rule.Matcher(lowered) {
			tags = append(tags, rule.Tag)
		}
	}
	return lo.Uniq(tags)
}

// SelectAgents returns agent ids in directory order. Agents whose tags
// intersect a matched family are chosen; with no usable match every agent is.
// A lone pick is joined by the first other agent so voting has two
// candidates whenever the directory allows it.
func (r *Router) SelectAgents(taskType, description string) []string {
	all := r.dir.IDs()
	if len(all) == 0 {
		return nil
	}

	tags := r.MatchedTags(description)
	selected := lo.Filter(all, func(id string, _ int) bool {
		p, err := r.dir.Lookup(id)
		if err != nil {
			return false
		}
		return lo.SomeBy(tags, p.HasSpecialty)
	})

	fallback := len(selected) == 0
	if fallback {
		selected = all
	}

	if len(selected) == 1 && len(all) > 1 {
		if extra, ok := lo.Find(all, func(id string) bool { return id != selected[0] }); ok {
			selected = append(selected, extra)
		}
	}

	r.logger.Debug("Agents selected",
		zap.String("task_type", taskType),
		zap.Strings("matched_tags", tags),
		zap.Bool("fallback", fallback),
		zap.Strings("agents", selected),
	)
	return lo.Uniq(selected)
}
