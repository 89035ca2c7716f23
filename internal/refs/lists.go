package refs

import "github.com/deepteams/av1ctl/internal/params"

// scaleShift is the fixed-point precision of reference scale factors.
const scaleShift = 14

// listUnused fills unused POC entries.
const listUnused = 0xff

// Default motion-search role tables, indexed by reference count minus one.
var (
	defaultPList = [3][]params.RefRole{
		{params.RoleLast},
		{params.RoleLast, params.RoleGolden},
		{params.RoleLast, params.RoleGolden, params.RoleAlt},
	}
	defaultGPBL0 = [3][]params.RefRole{
		{params.RoleBwd},
		{params.RoleLast, params.RoleLast2},
		{params.RoleLast, params.RoleLast2, params.RoleLast3},
	}
	defaultGPBL1 = [3][]params.RefRole{
		{params.RoleAlt},
		{params.RoleBwd, params.RoleAlt2},
		{params.RoleBwd, params.RoleAlt2, params.RoleAlt},
	}
	defaultBL0 = [3][]params.RefRole{
		{params.RoleLast},
		{params.RoleLast, params.RoleLast2},
		{params.RoleLast, params.RoleLast2, params.RoleLast3},
	}
)

// ctrlPrefix returns the first n roles named in a search-order record.
func ctrlPrefix(c params.RefCtrl, n int) []params.RefRole {
	out := make([]params.RefRole, 0, n)
	for _, r := range c {
		if len(out) == n || !r.Valid() {
			break
		}
		out = append(out, r)
	}
	return out
}

// setupRefIDMapping picks the roles the motion search walks. Layouts the
// default tables cannot express take the application's search order.
func (m *Manager) setupRefIDMapping(st *frameState, r *FrameRefs) {
	fwd, bwd := r.FwdRefs, r.BwdRefs
	if (fwd == 3 && bwd == 0) || (fwd == 2 && bwd == 1) {
		r.RefIDMapping = RefIDMapping{
			NonDefault: true,
			L0:         ctrlPrefix(st.pic.RefCtrlL0, fwd),
			L1:         ctrlPrefix(st.pic.RefCtrlL1, bwd),
		}
		return
	}
	n := fwd
	if n < 1 {
		n = 1
	}
	switch r.PictureType {
	case PictureP:
		r.RefIDMapping.L0 = defaultPList[n-1]
	case PictureGPB:
		r.RefIDMapping.L0 = defaultGPBL0[n-1]
		r.RefIDMapping.L1 = defaultGPBL1[n-1]
	case PictureB:
		r.RefIDMapping.L0 = defaultBL0[n-1]
		r.RefIDMapping.L1 = []params.RefRole{params.RoleBwd}
	}
}

// setupPOCLists fills the POC and frame-index tables of the prediction
// lists: forward entries first, the backward entry in slot 3.
func (m *Manager) setupPOCLists(st *frameState, r *FrameRefs) {
	r.ListPOC = [params.NumRefFrames]int{1, 2, 3, listUnused, listUnused, listUnused, listUnused, listUnused}
	for i := range r.ListFrameIdx {
		r.ListFrameIdx[i] = params.RefsPerFrame
	}
	for k, role := range r.L0 {
		if k == 3 {
			break
		}
		i := int(role) - 1
		r.ListPOC[k] = st.oh.RelativeDist(st.pic.OrderHint, r.RefOrderHint[i])
		r.ListFrameIdx[k] = i
	}
	if r.PictureType == PictureB && len(r.L1) > 0 {
		i := int(r.L1[0]) - 1
		r.ListPOC[3] = st.oh.RelativeDist(st.pic.OrderHint, r.RefOrderHint[i])
		r.ListFrameIdx[3] = i
	}
}

// setupScaling computes per-role scale factors and the side and bias
// masks of the picture state.
func (m *Manager) setupScaling(st *frameState, r *FrameRefs) {
	for i := 0; i < params.RefsPerFrame; i++ {
		s := m.pool.Slot(r.Roles[i].FrameIdx)
		if s == nil || !s.Written() {
			continue
		}
		r.ScaleX[i] = (s.Width<<scaleShift + st.width/2) / st.width
		r.ScaleY[i] = (s.Height<<scaleShift + st.height/2) / st.height
		if r.RefFlags&(1<<uint(i)) == 0 {
			continue
		}
		if r.Distance[i] > 0 || r.RefOrderHint[i] == st.pic.OrderHint {
			r.RefFrameSide |= 1 << uint(i+1)
		}
	}
	r.RefFrameBiasFlag = r.BiasForPak << 1
}

// setupSkipMode finds the skip mode reference pair: the nearest forward
// reference with either the nearest backward one or the second-nearest
// forward one.
func (m *Manager) setupSkipMode(st *frameState, r *FrameRefs) {
	if !st.oh.Enabled || r.LowDelay {
		return
	}
	fwd, bwd, second := -1, -1, -1
	var fwdHint, bwdHint, secondHint uint32
	for i := 0; i < params.RefsPerFrame; i++ {
		if r.RefFlags&(1<<uint(i)) == 0 {
			continue
		}
		h := r.RefOrderHint[i]
		d := st.oh.RelativeDist(h, st.pic.OrderHint)
		switch {
		case d < 0:
			if fwd < 0 || st.oh.RelativeDist(h, fwdHint) > 0 {
				fwd, fwdHint = i, h
			}
		case d > 0:
			if bwd < 0 || st.oh.RelativeDist(h, bwdHint) < 0 {
				bwd, bwdHint = i, h
			}
		}
	}
	switch {
	case fwd < 0:
		return
	case bwd >= 0:
		r.SkipMode = skipPair(fwd, bwd)
		return
	}
	for i := 0; i < params.RefsPerFrame; i++ {
		if r.RefFlags&(1<<uint(i)) == 0 {
			continue
		}
		h := r.RefOrderHint[i]
		if st.oh.RelativeDist(h, fwdHint) < 0 {
			if second < 0 || st.oh.RelativeDist(h, secondHint) > 0 {
				second, secondHint = i, h
			}
		}
	}
	if second >= 0 {
		r.SkipMode = skipPair(fwd, second)
	}
}

func skipPair(a, b int) SkipMode {
	if a > b {
		a, b = b, a
	}
	return SkipMode{
		Allowed: true,
		Frame0:  params.RefRole(a + 1),
		Frame1:  params.RefRole(b + 1),
	}
}
