package core

import (
	"github.com/rs/zerolog/log"
)

// RestoreAttempts reloads failed execute counts from the ledger so the
// attempt cap survives restarts.
func (e *Engine) RestoreAttempts() error {
	if e.ledger == nil {
		return nil
	}
	counts, err := e.ledger.FailedCounts()
	if err != nil {
		return err
	}

	e.mu.Lock()
	for id, n := range counts {
		e.attempts[id] = n
	}
	e.mu.Unlock()

	if len(counts) > 0 {
		log.Info().Int("orders", len(counts)).Msg("🔄 Restored failed attempt counts")
	}
	return nil
}
