// Package heuristics implements the Heuristic Engine: a registry of named
// rules, each a pure function mapping a ProcessFact to (triggered?,
// evidence, weight), combined into a RiskAssessment. Rules are expressed as
// values — {id, weight, predicate, evidence-builder} — registered in a
// slice, not as an inheritance hierarchy, so new rules can be added without
// touching the evaluation loop (spec §9 design notes).
package heuristics

import (
	"fmt"
	"strings"
	"time"

	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/pathclass"
)

// Sensitivity scales every rule's base weight at engine construction.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// multiplier returns the integer-truncating scale factor for s, defaulting
// to medium (1.0) for an unrecognized value.
func (s Sensitivity) multiplier() float64 {
	switch s {
	case SensitivityLow:
		return 0.7
	case SensitivityHigh:
		return 1.3
	default:
		return 1.0
	}
}

// ruleDef is one entry in the rule catalog: an id/name/description/base
// weight plus a pure predicate and evidence builder. hooksOwned lets R010
// ("Multiple Hooks") see how many hook candidates the process under
// evaluation owns without threading extra engine state through every other
// rule.
type ruleDef struct {
	id          string
	displayName string
	description string
	baseWeight  int
	predicate   func(f factmodel.ProcessFact, hooksOwned int) bool
}

// catalog is the fixed rule set R001–R010 from spec §4.2.
var catalog = []ruleDef{
	{
		id: "R001", displayName: "Unsigned Binary",
		description: "the executable has no retrievable signed-vendor metadata",
		baseWeight:  25,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return !f.IsSigned },
	},
	{
		id: "R002", displayName: "Hidden Window",
		description: "process owns no visible top-level window and is not a service",
		baseWeight:  20,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return f.IsHiddenWindow && !f.IsService },
	},
	{
		id: "R003", displayName: "Unusual Path",
		description: "executable lives under a user/temp/downloads/roaming tree, not system or program files",
		baseWeight:  30,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return pathclass.IsUnusualPath(f.Path) },
	},
	{
		id: "R004", displayName: "Unexpected Elevation",
		description: "process runs elevated without being a service or an elevated-by-design name",
		baseWeight:  15,
		predicate: func(f factmodel.ProcessFact, _ int) bool {
			return f.HasPrivilege(factmodel.PrivilegeElevated) && !f.IsService && !pathclass.ElevatedByDesign(strings.ToLower(f.Name))
		},
	},
	{
		id: "R005", displayName: "Suspicious Module",
		description: "a loaded module basename contains a keylogging/injection keyword",
		baseWeight:  25,
		predicate: func(f factmodel.ProcessFact, _ int) bool {
			for _, m := range f.LoadedModules {
				if pathclass.ContainsAny(strings.ToLower(m), pathclass.SuspiciousModuleTokens()) {
					return true
				}
			}
			return false
		},
	},
	{
		id: "R006", displayName: "Orphan Process",
		description: "parent pid is in (0,4) and pid exceeds 100",
		baseWeight:  10,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return f.ParentPID > 0 && f.ParentPID < 4 && f.PID > 100 },
	},
	{
		id: "R007", displayName: "Temp Directory",
		description: "path contains a temp/tmp/appdata-local-temp segment",
		baseWeight:  20,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return pathclass.IsTempPath(f.Path) },
	},
	{
		id: "R008", displayName: "Name Spoofing",
		description: "name matches a known system-process name but path is not its canonical location",
		baseWeight:  35,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return pathclass.IsNameSpoofed(f.Name, f.Path) },
	},
	{
		id: "R009", displayName: "Unknown Service",
		description: "process reports as a service but has no retrievable signed-vendor metadata",
		baseWeight:  15,
		predicate:   func(f factmodel.ProcessFact, _ int) bool { return f.IsService && !f.IsSigned },
	},
	{
		id: "R010", displayName: "Multiple Hooks",
		description: "owner of more than two hook candidates in the current cycle",
		baseWeight:  20,
		predicate:   func(_ factmodel.ProcessFact, hooksOwned int) bool { return hooksOwned > 2 },
	},
}

// Engine evaluates the fixed rule catalog against ProcessFacts, scaling
// every rule's weight by a sensitivity chosen at construction.
type Engine struct {
	sensitivity Sensitivity
	rules       []ruleDef
	weights     map[string]int
}

// NewEngine constructs an Engine at the given sensitivity. An unrecognized
// sensitivity value is treated as medium.
func NewEngine(sensitivity Sensitivity) *Engine {
	e := &Engine{sensitivity: sensitivity, rules: catalog, weights: make(map[string]int, len(catalog))}
	mult := sensitivity.multiplier()
	for _, r := range catalog {
		e.weights[r.id] = int(float64(r.baseWeight) * mult)
	}
	return e
}

// Analyze is a pure function of fact and hooksOwned: two successive calls
// with identical inputs produce identical RiskAssessments modulo timestamp.
func (e *Engine) Analyze(fact factmodel.ProcessFact, hooksOwned int) factmodel.RiskAssessment {
	var triggered []factmodel.Rule
	score := 0
	var explanationParts []string

	for _, r := range e.rules {
		fired := r.predicate(fact, hooksOwned)
		weight := e.weights[r.id]
		if !fired {
			continue
		}
		score += weight
		rule := factmodel.Rule{
			ID:          r.id,
			DisplayName: r.displayName,
			Description: r.description,
			Weight:      weight,
			Triggered:   true,
			Evidence:    fmt.Sprintf("%s: %s", r.displayName, r.description),
		}
		triggered = append(triggered, rule)
		explanationParts = append(explanationParts, fmt.Sprintf("%s(+%d)", r.displayName, weight))
	}

	explanation := "no rules triggered"
	if len(explanationParts) > 0 {
		explanation = strings.Join(explanationParts, ", ")
	}

	return factmodel.RiskAssessment{
		PID:            fact.PID,
		Name:           fact.Name,
		Score:          score,
		Level:          factmodel.LevelForScore(score),
		TriggeredRules: triggered,
		Explanation:    explanation,
		Timestamp:      time.Now().UTC(),
	}
}
