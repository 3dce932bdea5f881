package backend

import (
	"context"
	"fmt"
	"time"

	"srd/internal/runtime"
)

// Initialize retains model and builds every configured kind on the worker.
// Failures are isolated per kind; the error wraps ErrAllBackendsFailed only
// when nothing could be built.
func (m *Manager) Initialize(ctx context.Context, model []byte) error {
	var err error
	cerr := m.call(ctx, func() {
		if m.closed {
			err = ErrClosed
			return
		}
		m.model = model
		var failures []error
		for _, k := range m.cfg.Kinds {
			s := m.slots[k]
			if s.state == StateReady {
				continue
			}
			s.state = StateInitializing
			sess, berr := m.build(k)
			if berr != nil {
				m.failLocked(k, berr.Error())
				failures = append(failures, ErrInitFailure(k, berr))
				continue
			}
			m.adoptLocked(k, sess)
		}
		if m.readyCountLocked() == 0 {
			err = allFailedError{failures: failures}
			m.lastErr = err.Error()
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// build creates a session for kind from the retained model. Panics in the
// runtime are converted into errors so one kind cannot take down the others.
func (m *Manager) build(kind runtime.Kind) (sess runtime.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, fmt.Errorf("panic building %s session: %v", kind, r)
		}
	}()
	if m.model == nil {
		return nil, fmt.Errorf("no model loaded")
	}
	start := time.Now()
	sess, err = m.cfg.Factory.NewSession(kind, m.model, m.cfg.Options)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("backend", string(kind)).Dur("dur", time.Since(start)).Msg("session built")
	return sess, nil
}

// SetModel retains the model bytes used for lazy re-creation and worker
// pools. Sessions already built are kept.
func (m *Manager) SetModel(model []byte) {
	m.do(func() { m.model = model })
}

// MarkInitializing records that kind is being built elsewhere.
func (m *Manager) MarkInitializing(kind runtime.Kind) {
	m.do(func() {
		if s := m.slots[kind]; s != nil && s.state != StateReady {
			s.state = StateInitializing
			s.reason = ""
		}
	})
}

// Adopt hands a session built by another goroutine to the manager. A session
// that cannot be adopted (invalid shapes, closed manager) is closed. A
// cancelled ctx releases the caller; the hand-off still completes.
func (m *Manager) Adopt(ctx context.Context, kind runtime.Kind, sess runtime.Session) error {
	var err error
	cerr := m.call(ctx, func() {
		if m.closed {
			err = ErrClosed
			_ = sess.Close()
			return
		}
		if err = sess.Input().Shape.Validate(); err == nil {
			err = sess.Output().Shape.Validate()
		}
		if err != nil {
			err = ErrInitFailure(kind, err)
			_ = sess.Close()
			m.failLocked(kind, err.Error())
			return
		}
		m.adoptLocked(kind, sess)
	})
	if cerr == ErrClosed {
		_ = sess.Close()
	}
	if cerr != nil {
		return cerr
	}
	return err
}

// MarkFailed records a failed build of kind.
func (m *Manager) MarkFailed(kind runtime.Kind, reason string) {
	m.do(func() { m.failLocked(kind, reason) })
}

func (m *Manager) adoptLocked(kind runtime.Kind, sess runtime.Session) {
	s := m.slots[kind]
	if s.session != nil && s.session != sess {
		_ = s.session.Close()
	}
	s.session = sess
	s.in, s.out = sess.Input(), sess.Output()
	s.state = StateReady
	s.reason = ""
	g := s.geometry()
	if m.cfg.ExpectedScale > 0 && g.Scale != m.cfg.ExpectedScale {
		m.log.Warn().Str("backend", string(kind)).Int("scale", g.Scale).Int("expected", m.cfg.ExpectedScale).Msg("model scale factor differs from configuration")
	}
	m.log.Info().Str("backend", string(kind)).Str("input", s.in.String()).Str("output", s.out.String()).Msg("backend ready")
	m.emit(EventBackendReady, kind, map[string]any{"input": s.in.String(), "output": s.out.String()})

	switch {
	case m.active == "":
		m.active = kind
	case kind == m.cfg.DefaultKind && m.active != kind:
		m.log.Info().Str("from", string(m.active)).Str("to", string(kind)).Msg("switching to default backend")
		m.active = kind
	default:
		return
	}
	m.emit(EventBackendSwitched, kind, nil)
}

func (m *Manager) failLocked(kind runtime.Kind, reason string) {
	s := m.slots[kind]
	if s == nil {
		return
	}
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
	s.state = StateFailed
	s.reason = reason
	m.log.Warn().Str("backend", string(kind)).Str("reason", reason).Msg("backend unavailable")
	m.emit(EventBackendFailed, kind, map[string]any{"reason": reason})
	if m.active == kind {
		m.active = m.pickLocked()
	}
}

// pickLocked chooses a usable kind by preference, or "".
func (m *Manager) pickLocked() runtime.Kind {
	if k := m.cfg.DefaultKind; k != "" && m.slots[k].state.usable() {
		return k
	}
	for _, k := range m.cfg.Preference {
		if s := m.slots[k]; s != nil && s.state.usable() {
			return k
		}
	}
	return ""
}

func (m *Manager) readyCountLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.state.usable() {
			n++
		}
	}
	return n
}

// Switch makes kind the active backend. Switching to the active kind is a
// no-op; switching to an unavailable kind logs a warning and keeps the
// current backend. It reports whether the active backend changed.
func (m *Manager) Switch(ctx context.Context, kind runtime.Kind) (bool, error) {
	var (
		switched bool
		err      error
	)
	cerr := m.call(ctx, func() { switched, err = m.switchLocked(kind) })
	if cerr != nil {
		return false, cerr
	}
	return switched, err
}

// SwitchAsync is Switch with the result delivered through exec.
func (m *Manager) SwitchAsync(kind runtime.Kind, exec Executor, cb func(bool, error)) {
	if !m.do(func() {
		ok, err := m.switchLocked(kind)
		exec.Execute(func() { cb(ok, err) })
	}) {
		exec.Execute(func() { cb(false, ErrClosed) })
	}
}

func (m *Manager) switchLocked(kind runtime.Kind) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	if kind == "" || kind == m.active {
		return false, nil
	}
	s := m.slots[kind]
	if s == nil || !s.state.usable() {
		state := StateUninitialized
		if s != nil {
			state = s.state
		}
		m.log.Warn().Str("backend", string(kind)).Str("state", string(state)).Str("active", string(m.active)).Msg("switch to unavailable backend ignored")
		return false, nil
	}
	if err := m.ensureSessionLocked(s); err != nil {
		return false, err
	}
	from := m.active
	m.active = kind
	m.log.Info().Str("from", string(from)).Str("to", string(kind)).Msg("backend switched")
	m.emit(EventBackendSwitched, kind, map[string]any{"from": string(from)})
	return true, nil
}

// ensureSessionLocked lazily re-creates an evicted session. On failure the
// slot is marked failed and the previous active backend is retained.
func (m *Manager) ensureSessionLocked(s *slot) error {
	if s.session != nil {
		return nil
	}
	sess, err := m.build(s.kind)
	if err != nil {
		prev := m.active
		m.failLocked(s.kind, err.Error())
		if prev != s.kind {
			m.active = prev
		}
		return ErrInitFailure(s.kind, err)
	}
	if ierr := sess.Input().Shape.Validate(); ierr != nil {
		_ = sess.Close()
		m.failLocked(s.kind, ierr.Error())
		return ErrInitFailure(s.kind, ierr)
	}
	s.session = sess
	s.in, s.out = sess.Input(), sess.Output()
	s.state = StateReady
	m.log.Info().Str("backend", string(s.kind)).Msg("evicted backend re-created")
	return nil
}

// Evict releases kind's session, for example under memory pressure. The
// next use re-creates it from the retained model.
func (m *Manager) Evict(ctx context.Context, kind runtime.Kind) error {
	var err error
	cerr := m.call(ctx, func() {
		s := m.slots[kind]
		if s == nil || s.state != StateReady {
			err = fmt.Errorf("backend %s is not ready", kind)
			return
		}
		if s.session != nil {
			err = s.session.Close()
			s.session = nil
		}
		s.state = StateEvicted
		s.reason = "evicted"
		if p := m.pools[kind]; p != nil {
			p.retire()
			delete(m.pools, kind)
		}
		m.log.Info().Str("backend", string(kind)).Msg("backend evicted")
		m.emit(EventBackendEvicted, kind, nil)
	})
	if cerr != nil {
		return cerr
	}
	return err
}
