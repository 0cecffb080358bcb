package games

import (
	"fmt"

	"fairplay-backend/internal/models"
)

const (
	DefaultHouseEdge     = 0.01
	DefaultMaxMultiplier = 1_000_000
)

// Tuning holds every knob that changes game math. It is loaded from YAML.
type Tuning struct {
	HouseEdges map[models.GameMode]float64 `yaml:"house_edges"`
	Crash      CrashTuning                 `yaml:"crash"`
	Slots      SlotsTuning                 `yaml:"slots"`
}

type CrashTuning struct {
	// InstantCrashProbability forces a 1.00x point on the low end of the
	// same draw. It must not exceed the crash house edge.
	InstantCrashProbability float64 `yaml:"instant_crash_probability"`
	MaxMultiplier           float64 `yaml:"max_multiplier"`
}

type SlotsTuning struct {
	Rows        int             `yaml:"rows"`
	Cols        int             `yaml:"cols"`
	Symbols     []SlotSymbol    `yaml:"symbols"`
	ScatterPays map[int]float64 `yaml:"scatter_pays"`
	Scale       float64         `yaml:"scale"`
	TargetRTP   float64         `yaml:"target_rtp"`
}

type SlotSymbol struct {
	Name    string          `yaml:"name"`
	Weight  uint32          `yaml:"weight"`
	Pays    map[int]float64 `yaml:"pays"`
	Scatter bool            `yaml:"scatter"`
}

func DefaultTuning() Tuning {
	return Tuning{
		HouseEdges: map[models.GameMode]float64{
			models.GameModeMines: DefaultHouseEdge,
			models.GameModeCrash: DefaultHouseEdge,
			models.GameModeLimbo: DefaultHouseEdge,
			models.GameModeDice:  DefaultHouseEdge,
		},
		Crash: CrashTuning{MaxMultiplier: DefaultMaxMultiplier},
		Slots: DefaultSlotsTuning(),
	}
}

func DefaultSlotsTuning() SlotsTuning {
	return SlotsTuning{
		Rows: 3,
		Cols: 5,
		Symbols: []SlotSymbol{
			{Name: "cherry", Weight: 30, Pays: map[int]float64{3: 0.8, 4: 2, 5: 6}},
			{Name: "lemon", Weight: 25, Pays: map[int]float64{3: 1.2, 4: 3.2, 5: 8}},
			{Name: "bell", Weight: 20, Pays: map[int]float64{3: 2, 4: 6, 5: 16}},
			{Name: "bar", Weight: 12, Pays: map[int]float64{3: 4, 4: 12, 5: 40}},
			{Name: "seven", Weight: 8, Pays: map[int]float64{3: 10, 4: 40, 5: 160}},
			{Name: "star", Weight: 5, Scatter: true},
		},
		ScatterPays: map[int]float64{3: 2, 4: 10, 5: 50},
		TargetRTP:   0.96,
	}
}

// withDefaults fills zero values from DefaultTuning.
func (t Tuning) withDefaults() Tuning {
	def := DefaultTuning()
	edges := make(map[models.GameMode]float64, len(def.HouseEdges))
	for mode, edge := range def.HouseEdges {
		edges[mode] = edge
	}
	for mode, edge := range t.HouseEdges {
		edges[mode] = edge
	}
	t.HouseEdges = edges

	if t.Crash.MaxMultiplier == 0 {
		t.Crash.MaxMultiplier = def.Crash.MaxMultiplier
	}
	if len(t.Slots.Symbols) == 0 {
		t.Slots = def.Slots
	}
	if t.Slots.Rows == 0 {
		t.Slots.Rows = def.Slots.Rows
	}
	if t.Slots.Cols == 0 {
		t.Slots.Cols = def.Slots.Cols
	}
	if t.Slots.Scale == 0 && t.Slots.TargetRTP == 0 {
		t.Slots.TargetRTP = def.Slots.TargetRTP
	}
	return t
}

func (t Tuning) HouseEdge(mode models.GameMode) float64 {
	if edge, ok := t.HouseEdges[mode]; ok {
		return edge
	}
	return DefaultHouseEdge
}

func (t Tuning) Validate() error {
	for mode, edge := range t.HouseEdges {
		if edge < 0 || edge >= 1 {
			return fmt.Errorf("house edge for %s must be in [0,1), got %v", mode, edge)
		}
	}
	p := t.Crash.InstantCrashProbability
	if p < 0 || p > t.HouseEdge(models.GameModeCrash) {
		return fmt.Errorf("instant crash probability %v must be within [0, house edge %v]",
			p, t.HouseEdge(models.GameModeCrash))
	}
	if t.Crash.MaxMultiplier < 1.01 {
		return fmt.Errorf("crash max multiplier must be at least 1.01")
	}
	return nil
}
