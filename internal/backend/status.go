package backend

import (
	"srd/internal/runtime"
	"srd/pkg/types"
)

// publishLocked copies worker-owned state into the snapshot readers use.
func (m *Manager) publishLocked() {
	snap := snapshot{active: m.active, geometry: make(map[runtime.Kind]Geometry), lastErr: m.lastErr}
	for _, k := range runtime.Kinds {
		s := m.slots[k]
		st := types.BackendStatus{
			Kind:   string(k),
			State:  string(s.state),
			Active: k == m.active,
			Reason: s.reason,
		}
		if s.in.Shape != nil {
			st.InputShape = append([]int(nil), s.in.Shape...)
			st.OutputShape = append([]int(nil), s.out.Shape...)
			st.DType = s.in.DType.String()
			st.BatchSize = s.in.Shape.Batch()
			snap.geometry[k] = s.geometry()
		}
		if !s.lastUsed.IsZero() {
			st.LastUsed = s.lastUsed.Unix()
		}
		if s.state.usable() {
			snap.available = append(snap.available, k)
		}
		snap.statuses = append(snap.statuses, st)
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

func (m *Manager) view() snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Status returns per-backend detail in cpu, gpu, npu order.
func (m *Manager) Status() []types.BackendStatus {
	s := m.view()
	out := make([]types.BackendStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// AvailableKinds lists kinds that can serve requests, in cpu, gpu, npu order.
func (m *Manager) AvailableKinds() []runtime.Kind {
	return append([]runtime.Kind(nil), m.view().available...)
}

// Active returns the active kind, or "" before any backend is ready.
func (m *Manager) Active() runtime.Kind { return m.view().active }

// Geometry returns the shape of kind's session, or of the active backend
// when kind is empty.
func (m *Manager) Geometry(kind runtime.Kind) (Geometry, error) {
	s := m.view()
	if kind == "" {
		kind = s.active
	}
	if kind == "" {
		return Geometry{}, ErrNotInitialized
	}
	g, ok := s.geometry[kind]
	if !ok {
		return Geometry{}, ErrNotInitialized
	}
	return g, nil
}

// BatchCapability reports whether kind's model (active when empty) accepts
// more than one image per call.
func (m *Manager) BatchCapability(kind runtime.Kind) BatchCapability {
	g, err := m.Geometry(kind)
	if err != nil {
		return BatchCapability{}
	}
	return BatchCapability{Capable: g.Batch > 1, Size: g.Batch}
}

// BufferReallocations counts shared buffer reallocations since start.
func (m *Manager) BufferReallocations() uint64 { return m.reallocs.Load() }

// LastError returns the most recent inference or initialization error text.
func (m *Manager) LastError() string { return m.view().lastErr }
