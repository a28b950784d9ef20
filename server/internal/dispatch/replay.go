package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ReplayReport summarizes one outbox replay.
type ReplayReport struct {
	Saved  []string `json:"saved"`
	Failed []string `json:"failed"`
}

// Replay retries every parked save, bypassing the ledger since the claim was
// already taken by the original dispatch. Saved entries leave the outbox;
// failed ones stay with their attempt count bumped.
func (d *Dispatcher) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	entries, err := d.outbox.List(ctx)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		if err := d.ReplayOne(ctx, e.CaseID); err != nil {
			report.Failed = append(report.Failed, e.CaseID)
			continue
		}
		report.Saved = append(report.Saved, e.CaseID)
	}
	d.refreshPending(ctx)
	return report, nil
}

// ReplayOne retries a single parked case.
func (d *Dispatcher) ReplayOne(ctx context.Context, caseID string) error {
	entry, err := d.outbox.Get(ctx, caseID)
	if err != nil {
		return err
	}
	payload, err := entry.Decode()
	if err != nil {
		return err
	}

	log := d.logger.WithFields(logrus.Fields{"component": "dispatch", "case_id": caseID, "attempts": entry.Attempts})

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	saveErr := d.saver.SaveCase(attemptCtx, payload)
	cancel()
	if saveErr != nil {
		log.WithError(saveErr).Warn("outbox replay failed")
		d.record("replay_failed")
		if err := d.outbox.Put(ctx, payload, saveErr); err != nil {
			return fmt.Errorf("replay %s: %v (re-park failed: %w)", caseID, saveErr, err)
		}
		return &PersistenceError{CaseID: caseID, Attempts: entry.Attempts + 1, Err: saveErr}
	}

	if err := d.outbox.Delete(ctx, caseID); err != nil {
		return fmt.Errorf("replay %s: saved but not removed from outbox: %w", caseID, err)
	}
	log.Info("outbox entry replayed")
	d.record("replayed")
	return nil
}
