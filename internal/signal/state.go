package signal

import "macd-grid-bot-go/internal/models"

// Transition applies one histogram step to the strategy state.
// Conditions not listed keep the current state; ACTIVATE never falls to INACTIVE.
func Transition(from models.StrategyState, hist, prevHist, line float64) models.StrategyState {
	rising := hist > prevHist
	falling := hist < prevHist

	switch {
	case hist < 0 && rising:
		switch from {
		case models.StateWait, models.StateInactive:
			if line < 0 {
				return models.StateActivate
			}
			return models.StateWait
		case models.StatePause:
			if line < 0 {
				return models.StateActivate
			}
		}

	case hist > 0 && rising:
		if from == models.StateActivate || from == models.StateActive {
			return models.StateActive
		}

	case hist > 0 && falling:
		if from == models.StateActive && line > 0 {
			return models.StatePause
		}

	case hist < 0 && falling:
		if from == models.StatePause || from == models.StateActive {
			return models.StateInactive
		}
	}
	return from
}

// Replay runs Transition over a histogram series starting at WAIT.
// hist and line must be aligned and of equal length.
func Replay(hist, line []float64) models.StrategyState {
	state := models.StateWait
	for i := 1; i < len(hist) && i < len(line); i++ {
		state = Transition(state, hist[i], hist[i-1], line[i])
	}
	return state
}
