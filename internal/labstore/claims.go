package labstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
)

// Claim is a worker's exclusive right to act on one row until it transitions
// the row, releases the claim or the claim TTL passes.
type Claim struct {
	Lab   lab.Lab
	Owner string
	Token string
}

// candidate filters. Each is combined with the unclaimed-or-expired predicate.
const (
	queuedCandidates = `status = 'QUEUED'`
	endingCandidates = `status = 'ENDING' AND parked = 0`
	staleCandidates  = `status = 'ENDING' AND updated_at_unix_nano < ?`
)

// ClaimQueued claims up to limit QUEUED rows in admission order.
func (s *Store) ClaimQueued(ctx context.Context, owner string, limit int) ([]Claim, error) {
	return s.claim(ctx, owner, limit, queuedCandidates, "created_at_unix_nano")
}

// ClaimEnding claims up to limit ENDING rows that have not been parked for the watchdog.
func (s *Store) ClaimEnding(ctx context.Context, owner string, limit int) ([]Claim, error) {
	return s.claim(ctx, owner, limit, endingCandidates, "updated_at_unix_nano")
}

// ClaimStale claims up to limit ENDING rows whose last transition is older than
// olderThan, parked or not.
func (s *Store) ClaimStale(ctx context.Context, owner string, olderThan time.Duration, limit int) ([]Claim, error) {
	cutoff := s.now().UTC().Add(-olderThan).UnixNano()
	return s.claim(ctx, owner, limit, staleCandidates, "updated_at_unix_nano", cutoff)
}

// ListStale reports the rows ClaimStale would claim, without claiming them.
func (s *Store) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]lab.Lab, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+labColumns+` FROM labs
		WHERE `+staleCandidates+` AND (claim_token = '' OR claimed_at_unix_nano < ?)
		ORDER BY updated_at_unix_nano, id LIMIT ?`,
		now.Add(-olderThan).UnixNano(), now.Add(-s.claimTTL).UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	return collectLabs(rows)
}

func (s *Store) claim(ctx context.Context, owner string, limit int, where, orderBy string, args ...any) ([]Claim, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("missing claim owner")
	}
	if limit <= 0 {
		return nil, nil
	}

	var claims []Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()
		expiredBefore := now.Add(-s.claimTTL).UnixNano()

		query := `SELECT id FROM labs WHERE ` + where + ` AND (claim_token = '' OR claimed_at_unix_nano < ?)
			ORDER BY ` + orderBy + `, id LIMIT ?`
		rows, err := tx.QueryContext(ctx, query, append(append([]any{}, args...), expiredBefore, limit)...)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		candidates, err := collectIDs(rows)
		if err != nil {
			return err
		}

		for _, id := range candidates {
			token := ids.NewClaimToken()
			res, err := tx.ExecContext(ctx, `
				UPDATE labs SET claimed_by = ?, claim_token = ?, claimed_at_unix_nano = ?
				WHERE id = ? AND (claim_token = '' OR claimed_at_unix_nano < ?)`,
				owner, token, now.UnixNano(), id, expiredBefore)
			if err != nil {
				return fmt.Errorf("claim lab %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			claimed, _, err := loadForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			claims = append(claims, Claim{Lab: claimed, Owner: owner, Token: token})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// RecordRefs persists the resource and lease refs a claimed lab is about to use,
// so a crash mid-provision still leaves teardown something to destroy.
func (s *Store) RecordRefs(ctx context.Context, claim *Claim, resourceRef, leaseRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE labs SET resource_ref = ?, network_lease_ref = ?
		WHERE id = ? AND claim_token = ?`,
		resourceRef, leaseRef, claim.Lab.ID, claim.Token)
	if err != nil {
		return fmt.Errorf("record refs for lab %s: %w", claim.Lab.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s", lab.ErrClaimLost, claim.Lab.ID)
	}
	claim.Lab.ResourceRef = resourceRef
	claim.Lab.NetworkLeaseRef = leaseRef
	return nil
}

// RenewClaim moves the claim's claimed_at to now so other claimers keep
// skipping the row. It fails with ErrClaimLost once another owner holds it.
func (s *Store) RenewClaim(ctx context.Context, claim Claim) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE labs SET claimed_at_unix_nano = ?
		WHERE id = ? AND claim_token = ?`,
		s.now().UTC().UnixNano(), claim.Lab.ID, claim.Token)
	if err != nil {
		return fmt.Errorf("renew claim on lab %s: %w", claim.Lab.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s", lab.ErrClaimLost, claim.Lab.ID)
	}
	return nil
}

// TransitionUpdate carries the columns written alongside a status change.
// Empty values leave the stored column unchanged.
type TransitionUpdate struct {
	StopReason      string
	FailureReason   string
	LastError       string
	ResourceRef     string
	NetworkLeaseRef string
	StartedAt       *time.Time
	ExpiresAt       *time.Time
	DestroyAttempts int
}

// Transition writes claim.Lab's move to status to, provided the caller still holds the
// claim and the move is an edge of the lifecycle graph. The claim is consumed, and
// a move rejected by the graph drops the claim marker as well.
func (s *Store) Transition(ctx context.Context, claim Claim, to lab.Status, update TransitionUpdate) (lab.Lab, error) {
	out, err := s.transition(ctx, claim, to, update)
	if errors.Is(err, lab.ErrInvalidTransition) {
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if dropErr := s.dropClaim(dropCtx, claim); dropErr != nil && !errors.Is(dropErr, lab.ErrClaimLost) {
			return lab.Lab{}, errors.Join(err, dropErr)
		}
	}
	return out, err
}

// dropClaim clears the marker without touching version or updated_at; the row
// itself did not change.
func (s *Store) dropClaim(ctx context.Context, claim Claim) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE labs SET claimed_by = '', claim_token = '', claimed_at_unix_nano = NULL
		WHERE id = ? AND claim_token = ?`,
		claim.Lab.ID, claim.Token)
	if err != nil {
		return fmt.Errorf("drop claim on lab %s: %w", claim.Lab.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s", lab.ErrClaimLost, claim.Lab.ID)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, claim Claim, to lab.Status, update TransitionUpdate) (lab.Lab, error) {
	var out lab.Lab
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, token, err := loadForUpdate(ctx, tx, claim.Lab.ID)
		if err != nil {
			return err
		}
		if token == "" || token != claim.Token {
			return fmt.Errorf("%w: %s", lab.ErrClaimLost, current.ID)
		}
		if err := lab.CheckTransition(current.ID, current.Status, to); err != nil {
			return err
		}

		next := current
		now := s.now().UTC()
		next.Status = to
		next.UpdatedAt = nextUpdatedAt(now, current.UpdatedAt)
		next.Version = current.Version + 1
		next.ClaimedBy = ""
		next.ClaimedAt = nil
		next.Parked = false
		mergeUpdate(&next, update)

		switch {
		case to == lab.StatusRunning:
			if next.ResourceRef == "" || next.NetworkLeaseRef == "" {
				return fmt.Errorf("%w: %s", lab.ErrMissingResourceRef, current.ID)
			}
			if next.StartedAt == nil {
				startedAt := next.UpdatedAt
				next.StartedAt = &startedAt
			}
		case to.Terminal():
			endedAt := next.UpdatedAt
			next.EndedAt = &endedAt
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE labs SET
				status = ?, updated_at_unix_nano = ?, version = ?,
				started_at_unix_nano = ?, ended_at_unix_nano = ?, expires_at_unix_nano = ?,
				resource_ref = ?, network_lease_ref = ?,
				stop_reason = ?, failure_reason = ?, last_error = ?, destroy_attempts = ?,
				parked = 0, claimed_by = '', claim_token = '', claimed_at_unix_nano = NULL
			WHERE id = ? AND version = ? AND claim_token = ?`,
			string(next.Status), next.UpdatedAt.UnixNano(), next.Version,
			nullTime(next.StartedAt), nullTime(next.EndedAt), nullTime(next.ExpiresAt),
			next.ResourceRef, next.NetworkLeaseRef,
			next.StopReason, next.FailureReason, next.LastError, next.DestroyAttempts,
			current.ID, current.Version, claim.Token)
		if err != nil {
			return fmt.Errorf("transition lab %s to %s: %w", current.ID, to, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s", lab.ErrClaimLost, current.ID)
		}
		out = next
		return nil
	})
	if err != nil {
		return lab.Lab{}, err
	}
	return out, nil
}

func mergeUpdate(l *lab.Lab, u TransitionUpdate) {
	if v := strings.TrimSpace(u.StopReason); v != "" {
		l.StopReason = v
	}
	if v := strings.TrimSpace(u.FailureReason); v != "" {
		l.FailureReason = v
	}
	if v := strings.TrimSpace(u.LastError); v != "" {
		l.LastError = v
	}
	if v := strings.TrimSpace(u.ResourceRef); v != "" {
		l.ResourceRef = v
	}
	if v := strings.TrimSpace(u.NetworkLeaseRef); v != "" {
		l.NetworkLeaseRef = v
	}
	if u.StartedAt != nil {
		t := u.StartedAt.UTC()
		l.StartedAt = &t
	}
	if u.ExpiresAt != nil {
		t := u.ExpiresAt.UTC()
		l.ExpiresAt = &t
	}
	if u.DestroyAttempts > 0 {
		l.DestroyAttempts = u.DestroyAttempts
	}
}

// Outcome is recorded when a claim is given up without a status change.
type Outcome struct {
	LastError       string
	DestroyAttempts int
	// Park hides the row from ClaimEnding. Only the watchdog picks it up afterwards.
	Park bool
}

// ReleaseClaim clears the claim marker. It is not a transition, so updated_at is
// left alone and the row keeps ageing toward the watchdog threshold.
func (s *Store) ReleaseClaim(ctx context.Context, claim Claim, outcome Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE labs SET
			last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
			destroy_attempts = MAX(destroy_attempts, ?),
			parked = CASE WHEN ? = 1 THEN 1 ELSE parked END,
			version = version + 1,
			claimed_by = '', claim_token = '', claimed_at_unix_nano = NULL
		WHERE id = ? AND claim_token = ?`,
		outcome.LastError, outcome.LastError, outcome.DestroyAttempts, boolToInt(outcome.Park),
		claim.Lab.ID, claim.Token)
	if err != nil {
		return fmt.Errorf("release claim on lab %s: %w", claim.Lab.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s", lab.ErrClaimLost, claim.Lab.ID)
	}
	return nil
}
