package models

import "fmt"

type GameMode string

const (
	GameModeMines GameMode = "mines"
	GameModeCrash GameMode = "crash"
	GameModeLimbo GameMode = "limbo"
	GameModeDice  GameMode = "dice"
	GameModeSlots GameMode = "slots"
)

// Sequential reports whether the mode is played as a multi-step session.
func (m GameMode) Sequential() bool {
	return m == GameModeMines
}

// Instant reports whether the mode resolves and settles in a single call.
func (m GameMode) Instant() bool {
	switch m {
	case GameModeLimbo, GameModeDice, GameModeSlots:
		return true
	}
	return false
}

func ParseGameMode(s string) (GameMode, error) {
	switch m := GameMode(s); m {
	case GameModeMines, GameModeCrash, GameModeLimbo, GameModeDice, GameModeSlots:
		return m, nil
	}
	return "", NewError(CodeInvalidInput, fmt.Sprintf("unknown game mode: %s", s))
}
