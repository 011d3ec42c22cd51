package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/metrics"
)

// reconcile rebuilds the handle table from the identity store. A record is
// kept only when its pid exists, is not a zombie and its command line carries
// the launch fingerprint. The pruned mapping is written back.
func (s *Supervisor) reconcile() error {
	records, err := s.store.List()
	rewrite := false
	if errors.Is(err, ErrStoreCorrupt) {
		dst, qerr := s.store.Quarantine(".corrupt-" + time.Now().UTC().Format("20060102T150405"))
		if qerr != nil {
			return fmt.Errorf("quarantine corrupt identity store: %w", qerr)
		}
		s.log.Warn("identity store unreadable, starting empty", "error", err, "moved_to", dst)
		records, rewrite = map[int]int{}, true
	} else if err != nil {
		return err
	}

	fp := s.cfg.Launch.Fingerprint()
	kept := make(map[int]int, len(records))
	for key, pid := range records {
		reason := s.verify(key, pid, fp)
		if reason != "" {
			metrics.IncReconcile(false)
			s.record(history.EventDrop, history.Instance{Key: key, PID: pid, Error: reason})
			s.log.Info("dropping stale identity record", "key", key, "pid", pid, "reason", reason)
			continue
		}
		h := newAdoptedHandle(key, pid, s.probe.StartTime(pid))
		s.put(h)
		kept[key] = pid
		metrics.IncReconcile(true)
		s.record(history.EventAdopt, h.instance())
		s.log.Info("adopted running instance", "key", key, "pid", pid)
	}

	if rewrite || len(kept) != len(records) {
		if err := s.store.Replace(kept); err != nil {
			return fmt.Errorf("persist reconciled identity store: %w", err)
		}
	}
	return nil
}

// verify returns why a record cannot be adopted, or "" when it can.
func (s *Supervisor) verify(key, pid int, fingerprint string) string {
	switch {
	case !ValidKey(key):
		return "invalid key"
	case !s.probe.Exists(pid):
		return "process not found"
	case s.probe.Zombie(pid):
		return "process is a zombie"
	}
	ok, err := s.probe.MatchesSignature(pid, fingerprint)
	if err != nil {
		// Identity cannot be proven, so the record is not trusted.
		return "probe unavailable: " + err.Error()
	}
	if !ok {
		return "command line does not match " + fingerprint
	}
	return ""
}
