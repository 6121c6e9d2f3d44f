package versioned

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// readLedger returns the registered names, sorted. A missing ledger is an
// empty one.
func (a *Artifact) readLedger(ctx context.Context) ([]versionname.Name, error) {
	var raw []string
	if err := storage.ReadJSON(ctx, a.backend, a.ledgerLocation(), &raw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger of %s: %w", a.location, err)
	}
	names := make([]versionname.Name, 0, len(raw))
	for _, s := range raw {
		name, err := versionname.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("ledger of %s: %w", a.location, err)
		}
		names = append(names, name)
	}
	versionname.Sort(names)
	return names, nil
}

func (a *Artifact) writeLedger(ctx context.Context, names []versionname.Name) error {
	sorted := append([]versionname.Name(nil), names...)
	versionname.Sort(sorted)
	raw := make([]string, 0, len(sorted))
	for i, name := range sorted {
		if i > 0 && name.Equal(sorted[i-1]) {
			continue
		}
		raw = append(raw, name.String())
	}
	if err := storage.WriteJSON(ctx, a.backend, a.ledgerLocation(), raw); err != nil {
		return fmt.Errorf("write ledger of %s: %w", a.location, err)
	}
	return nil
}

// register adds name to the ledger unless it is already there. The caller
// holds the lock.
func (a *Artifact) register(ctx context.Context, name versionname.Name) error {
	names, err := a.readLedger(ctx)
	if err != nil {
		return err
	}
	if versionname.Contains(names, name) {
		return nil
	}
	return a.writeLedger(ctx, append(names, name))
}

// allocate reserves the next name of the scheme: the successor of the
// greatest registered name the scheme accepts, or the scheme's first name
// when that is greater.
func (a *Artifact) allocate(ctx context.Context) (versionname.Name, error) {
	var next versionname.Name
	err := a.withLock(ctx, func() error {
		names, err := a.readLedger(ctx)
		if err != nil {
			return err
		}
		first, err := a.scheme.First()
		if err != nil {
			return err
		}
		next = first
		for i := len(names) - 1; i >= 0; i-- {
			if a.scheme.Accepts(names[i]) {
				candidate, err := names[i].Next()
				if err != nil {
					return fmt.Errorf("allocate in %s: %w", a.location, err)
				}
				if candidate.Compare(first) > 0 {
					next = candidate
				}
				break
			}
		}
		return a.writeLedger(ctx, append(names, next))
	})
	return next, err
}

// withLock runs fn holding the artifact lock. The lock is released whether
// fn fails or not.
func (a *Artifact) withLock(ctx context.Context, fn func() error) (err error) {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if releaseErr := a.backend.Delete(ctx, a.lockLocation(), false); releaseErr != nil {
			a.logger.ErrorContext(ctx, "failed to release lock", "error", releaseErr)
			if err == nil {
				err = fmt.Errorf("release lock of %s: %w", a.location, releaseErr)
			}
		}
	}()
	return fn()
}

// acquire takes the lock, retrying once after the backoff.
func (a *Artifact) acquire(ctx context.Context) error {
	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := a.tryLock(ctx)
		if err != nil {
			return fmt.Errorf("lock %s: %w", a.location, err)
		}
		if ok {
			return nil
		}
		a.obs.LockContended(ctx, a.name, attempt)
		if attempt == 1 {
			a.logger.WarnContext(ctx, "artifact versions are locked, retrying", "backoff", a.lockBackoff)
			if err := sleep(ctx, a.lockBackoff); err != nil {
				return err
			}
		}
	}
	a.obs.LockTimedOut(ctx, a.name)
	return fmt.Errorf("%w: %s", ErrArtifactVersionsIsLocked, a.lockLocation())
}

func (a *Artifact) tryLock(ctx context.Context) (bool, error) {
	marker := lockMarker()
	if ew, ok := a.backend.(storage.ExclusiveWriter); ok {
		return ew.WriteExclusive(ctx, a.lockLocation(), marker)
	}
	held, err := a.backend.Exists(ctx, a.lockLocation())
	if err != nil || held {
		return false, err
	}
	return true, a.backend.Write(ctx, a.lockLocation(), marker)
}

func lockMarker() []byte {
	host, _ := os.Hostname()
	return fmt.Appendf(nil, "host=%s pid=%d at=%s\n", host, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
