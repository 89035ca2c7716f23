// Package refs manages the reference picture pool of an AV1 encode
// session. For every frame it resolves the seven reference roles against
// the pool, classifies the frame as low-delay or random-access, builds the
// forward and backward prediction lists and picks the primary reference
// that probability tables and the segmentation map are inherited from.
package refs

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/deepteams/av1ctl/internal/hw"
	"github.com/deepteams/av1ctl/internal/params"
)

var (
	// ErrNoReferencesAvailable is returned for an inter frame whose
	// reference set is empty after validity filtering.
	ErrNoReferencesAvailable = errors.New("refs: no references available")
	// ErrInvalidReferenceConfiguration is returned when the reference set
	// breaks a hardware capacity limit or names an impossible index.
	ErrInvalidReferenceConfiguration = errors.New("refs: invalid reference configuration")
)

const (
	maxFwdRefs   = 3
	maxBwdRefs   = 1
	maxTotalRefs = 3
)

// Concealment picks the picture substituted for unusable roles.
type Concealment int

const (
	// ConcealFirstValid substitutes the first valid role in role order.
	ConcealFirstValid Concealment = iota
	// ConcealNearest substitutes the valid role closest in display order.
	ConcealNearest
)

func (c Concealment) String() string {
	if c == ConcealNearest {
		return "nearest"
	}
	return "first-valid"
}

// PictureType is the coding class of a frame.
type PictureType int

const (
	PictureI PictureType = iota
	PictureP
	PictureGPB
	PictureB
)

func (t PictureType) String() string {
	switch t {
	case PictureI:
		return "I"
	case PictureP:
		return "P"
	case PictureGPB:
		return "GPB"
	case PictureB:
		return "B"
	}
	return fmt.Sprintf("PictureType(%d)", int(t))
}

// RolePic is the picture a role resolves to for this frame.
type RolePic struct {
	DPB         int
	FrameIdx    int
	Valid       bool
	Substituted bool
}

// SkipMode is the AV1 skip mode frame pair.
type SkipMode struct {
	Allowed bool
	Frame0  params.RefRole
	Frame1  params.RefRole
}

// RefIDMapping lists the roles the motion search uses per list.
type RefIDMapping struct {
	NonDefault bool
	L0         []params.RefRole
	L1         []params.RefRole
}

// CDFSource says where the frame's initial CDF tables come from.
type CDFSource int

const (
	CDFDefault CDFSource = iota
	CDFFromPrimary
)

// FrameRefs is the reference set of one frame.
type FrameRefs struct {
	FrameIdx  int
	OrderHint uint32

	RefFlags       uint8
	Roles          [params.RefsPerFrame]RolePic
	RefOrderHint   [params.RefsPerFrame]uint32
	Distance       [params.RefsPerFrame]int
	Concealed      int
	BiasForPak     uint8
	BiasForRefMgmt uint8
	LowDelay       bool
	PFrame         bool
	FwdRefs        int
	BwdRefs        int
	L0             []params.RefRole
	L1             []params.RefRole
	PictureType    PictureType
	DisplayOrder   int

	// PrimarySlot is the frame index of the primary reference, or -1.
	PrimarySlot           int
	CDF                   CDFSource
	InheritCDF            hw.Buffer
	SegmentMapInheritable bool
	InheritedSegmentMap   hw.Buffer

	RefIDMapping     RefIDMapping
	ListPOC          [params.NumRefFrames]int
	ListFrameIdx     [params.NumRefFrames]int
	ScaleX, ScaleY   [params.RefsPerFrame]int
	RefFrameSide     uint8
	RefFrameBiasFlag uint8
	SkipMode         SkipMode
	// DPB lists the unique frame indices referenced through RefFrameList.
	DPB              []int

	// pending is set between Resolve and Commit.
	pending *frameState
}

// Intra reports whether the frame codes without references.
func (r *FrameRefs) Intra() bool {
	return r.PictureType == PictureI
}

// Manager owns the reference pool of one session. It is not safe for
// concurrent use; frames are submitted in order.
type Manager struct {
	pool        Pool
	concealment Concealment
	log         *slog.Logger

	frames           int
	prevDisplayOrder int
	prevOrderHint    uint32
	// epoch changes on every commit and reset.
	epoch uint64
}

// NewManager returns a Manager with an empty pool.
func NewManager(c Concealment, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{concealment: c, log: log}
}

// Pool exposes the slot arena.
func (m *Manager) Pool() *Pool {
	return &m.pool
}

// Reset empties the pool and display-order history.
func (m *Manager) Reset() {
	m.pool.Reset()
	m.frames, m.prevDisplayOrder, m.prevOrderHint = 0, 0, 0
	m.epoch++
}

// frameState carries the per-call inputs shared by the helpers.
type frameState struct {
	seq           *params.Sequence
	pic           *params.Picture
	oh            OrderHint
	width, height int
	miCols        int
	miRows        int
	epoch         uint64
}

// Update resolves pic and commits it at once. The slot keeps its buffers
// while the picture size is unchanged; buffers it drops are not released.
func (m *Manager) Update(seq *params.Sequence, pic *params.Picture) (*FrameRefs, error) {
	r, err := m.Resolve(seq, pic)
	if err != nil {
		return nil, err
	}
	s := m.pool.Slot(pic.FrameIdx)
	b := s.Buffers
	if s.Width != r.pending.width || s.Height != r.pending.height {
		b = Buffers{}
	}
	if !pic.Segmentation.Enabled {
		b.SegmentMap = nil
	}
	if _, err := m.Commit(r, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve computes the reference set of pic. The pool is not modified;
// the frame enters its slot only through Commit.
func (m *Manager) Resolve(seq *params.Sequence, pic *params.Picture) (*FrameRefs, error) {
	if m.pool.Slot(pic.FrameIdx) == nil {
		return nil, params.At("slot", pic.FrameIdx, ErrInvalidReferenceConfiguration)
	}
	if pic.PrimaryRefFrame < 0 || pic.PrimaryRefFrame > params.PrimaryRefNone {
		return nil, params.At("primary_ref_frame", pic.PrimaryRefFrame, ErrInvalidReferenceConfiguration)
	}
	st := &frameState{
		seq:    seq,
		pic:    pic,
		oh:     OrderHint{Enabled: seq.EnableOrderHint, Bits: seq.OrderHintBits},
		width:  pic.Width,
		height: pic.Height,
		epoch:  m.epoch,
	}
	if st.width == 0 || st.height == 0 {
		st.width, st.height = seq.Width, seq.Height
	}
	st.miCols, st.miRows = MiDims(st.width, st.height)

	r := &FrameRefs{
		FrameIdx:    pic.FrameIdx,
		OrderHint:   pic.OrderHint,
		PrimarySlot: -1,
	}
	for i := range r.Roles {
		r.Roles[i] = RolePic{DPB: -1, FrameIdx: -1}
	}
	r.DPB = m.dedupDPB(pic)

	if pic.FrameType.IsIntra() {
		r.PictureType = PictureI
		m.setupIntraLists(r)
	} else {
		if err := m.setupRefFlags(st, r); err != nil {
			return nil, err
		}
		m.setupCurrRefPic(st, r)
		m.classify(st, r)
		if err := m.countRefs(st, r); err != nil {
			return nil, err
		}
		m.buildLists(st, r)
		m.setupRefIDMapping(st, r)
		m.setupPOCLists(st, r)
		m.setupScaling(st, r)
		m.setupSkipMode(st, r)
	}
	m.setupPrimary(st, r)
	m.setupDisplayOrder(st, r)
	r.pending = st
	return r, nil
}

// Commit records a resolved frame in its slot together with the buffers
// it was coded into and returns the slot buffers b replaced. The caller
// owns their release. A frame commits once, and only while no other frame
// committed since it was resolved.
func (m *Manager) Commit(r *FrameRefs, b Buffers) (Buffers, error) {
	if r == nil || r.pending == nil {
		return Buffers{}, fmt.Errorf("%w: frame not resolved or already committed", ErrInvalidReferenceConfiguration)
	}
	st := r.pending
	if st.epoch != m.epoch {
		return Buffers{}, fmt.Errorf("%w: pool changed since slot %d was resolved", ErrInvalidReferenceConfiguration, r.FrameIdx)
	}
	r.pending = nil
	return m.commit(st, r, b), nil
}

// dedupDPB keeps the first DPB entry of each distinct frame index.
func (m *Manager) dedupDPB(pic *params.Picture) []int {
	var out []int
	for i, e := range pic.RefFrameList {
		if !e.Valid {
			continue
		}
		dup := false
		for ii := 0; ii < i; ii++ {
			prev := pic.RefFrameList[ii]
			if prev.Valid && prev.FrameIdx == e.FrameIdx {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e.FrameIdx)
		}
	}
	return out
}

// entry returns the DPB entry a role points at, if any.
func entry(pic *params.Picture, role int) (params.DPBEntry, int, bool) {
	dpb := pic.RefFrameIdx[role]
	if dpb < 0 || dpb >= params.NumRefFrames {
		return params.DPBEntry{}, dpb, false
	}
	e := pic.RefFrameList[dpb]
	return e, dpb, e.Valid
}

// stale reports why a valid DPB entry cannot be used as a reference of
// the current frame, or "" when it can.
func (m *Manager) stale(st *frameState, e params.DPBEntry) string {
	if e.FrameIdx == st.pic.FrameIdx {
		return "slot is the frame being encoded"
	}
	s := m.pool.Slot(e.FrameIdx)
	switch {
	case s == nil:
		return "frame index out of range"
	case !s.Written():
		return "slot never written"
	case !s.UsedAsRef:
		return "slot holds a non-reference picture"
	case e.HasOrderHint && s.OrderHint != e.OrderHint:
		return "order hint mismatch"
	case 2*st.width < s.Width || 2*st.height < s.Height ||
		16*s.Width < st.width || 16*s.Height < st.height:
		return "reference scaling out of range"
	}
	return ""
}

// setupRefFlags derives the requested role mask and drops roles that do
// not resolve to a usable picture.
func (m *Manager) setupRefFlags(st *frameState, r *FrameRefs) error {
	flags := st.pic.RefCtrlL0.Mask() | st.pic.RefCtrlL1.Mask()
	for i := 0; i < params.RefsPerFrame; i++ {
		bit := uint8(1) << uint(i)
		e, _, ok := entry(st.pic, i)
		if !ok {
			flags &^= bit
			continue
		}
		if flags&bit == 0 {
			continue
		}
		if why := m.stale(st, e); why != "" {
			flags &^= bit
			r.Concealed++
			m.log.Debug("refs: dropped stale reference",
				"role", params.RefRole(i+1), "slot", e.FrameIdx, "reason", why)
		}
	}
	if flags == 0 {
		return ErrNoReferencesAvailable
	}
	r.RefFlags = flags
	return nil
}

// setupCurrRefPic resolves every role to a picture, substituting the
// concealment choice for roles that are not in use.
func (m *Manager) setupCurrRefPic(st *frameState, r *FrameRefs) {
	sub := -1
	for i := 0; i < params.RefsPerFrame; i++ {
		if r.RefFlags&(1<<uint(i)) == 0 {
			continue
		}
		e, dpb, _ := entry(st.pic, i)
		r.Roles[i] = RolePic{DPB: dpb, FrameIdx: e.FrameIdx, Valid: true}
		r.RefOrderHint[i] = m.pool.Slot(e.FrameIdx).OrderHint
		r.Distance[i] = st.oh.RelativeDist(r.RefOrderHint[i], st.pic.OrderHint)
		if sub < 0 {
			sub = i
		} else if m.concealment == ConcealNearest && abs(r.Distance[i]) < abs(r.Distance[sub]) {
			sub = i
		}
	}
	for i := 0; i < params.RefsPerFrame; i++ {
		if r.Roles[i].Valid {
			continue
		}
		r.Roles[i] = r.Roles[sub]
		r.Roles[i].Valid = false
		r.Roles[i].Substituted = true
		r.RefOrderHint[i] = r.RefOrderHint[sub]
		r.Distance[i] = r.Distance[sub]
	}
}

// classify sets the bias masks and the low-delay and P-frame flags.
func (m *Manager) classify(st *frameState, r *FrameRefs) {
	l0 := st.pic.RefCtrlL0.Mask()
	for i := 0; i < params.RefsPerFrame; i++ {
		bit := uint8(1) << uint(i)
		if r.Distance[i] > 0 && r.RefFlags&bit != 0 {
			r.BiasForPak |= bit
			if st.seq.GopRefDist > 1 && l0&bit == 0 {
				r.BiasForRefMgmt |= bit
			}
		}
	}
	r.LowDelay = r.RefFlags&r.BiasForRefMgmt == 0
	r.PFrame = r.LowDelay && st.pic.RefCtrlL1.Empty()
	switch {
	case !r.LowDelay:
		r.PictureType = PictureB
	case r.PFrame:
		r.PictureType = PictureP
	default:
		r.PictureType = PictureGPB
	}
}

// consolidate clears roles in mask that repeat an earlier role's frame.
func consolidate(pic *params.Picture, mask uint8) uint8 {
	for i := 0; i < params.RefsPerFrame; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		e, _, _ := entry(pic, i)
		for ii := i + 1; ii < params.RefsPerFrame; ii++ {
			if mask&(1<<uint(ii)) == 0 {
				continue
			}
			if e2, _, _ := entry(pic, ii); e2.FrameIdx == e.FrameIdx {
				mask &^= 1 << uint(ii)
			}
		}
	}
	return mask
}

// countRefs counts forward and backward references after deduplication
// and enforces the hardware limits.
func (m *Manager) countRefs(st *frameState, r *FrameRefs) error {
	l0 := consolidate(st.pic, st.pic.RefCtrlL0.Mask()&r.RefFlags)
	l1 := consolidate(st.pic, st.pic.RefCtrlL1.Mask()&r.RefFlags)
	for i := 0; i < params.RefsPerFrame; i++ {
		bit := uint8(1) << uint(i)
		if l0&bit != 0 && r.BiasForRefMgmt&bit == 0 {
			r.FwdRefs++
		}
		if l1&bit != 0 && r.BiasForRefMgmt&bit != 0 {
			r.BwdRefs++
		}
	}
	if r.FwdRefs > maxFwdRefs || r.BwdRefs > maxBwdRefs || r.FwdRefs+r.BwdRefs > maxTotalRefs {
		return fmt.Errorf("%w: %d forward, %d backward", ErrInvalidReferenceConfiguration, r.FwdRefs, r.BwdRefs)
	}
	return nil
}

// buildLists fills L0 and L1 in role order.
func (m *Manager) buildLists(st *frameState, r *FrameRefs) {
	l0 := consolidate(st.pic, st.pic.RefCtrlL0.Mask()&r.RefFlags)
	l1 := consolidate(st.pic, st.pic.RefCtrlL1.Mask()&r.RefFlags)
	for i := 0; i < params.RefsPerFrame; i++ {
		bit := uint8(1) << uint(i)
		if l0&bit != 0 && r.BiasForRefMgmt&bit == 0 {
			r.L0 = append(r.L0, params.RefRole(i+1))
		}
		if l1&bit != 0 && r.BiasForRefMgmt&bit != 0 {
			r.L1 = append(r.L1, params.RefRole(i+1))
		}
	}
	if r.PictureType == PictureGPB && r.BwdRefs == 0 {
		r.L1 = append([]params.RefRole(nil), r.L0...)
	}
}

// setupIntraLists zeroes the list tables of an intra frame.
func (m *Manager) setupIntraLists(r *FrameRefs) {
	r.LowDelay = true
	r.ListPOC = [params.NumRefFrames]int{}
	r.ListFrameIdx = [params.NumRefFrames]int{}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// setupPrimary resolves primary_ref_frame to a slot.
func (m *Manager) setupPrimary(st *frameState, r *FrameRefs) {
	p := st.pic.PrimaryRefFrame
	if st.pic.FrameType.IsIntra() || p == params.PrimaryRefNone {
		return
	}
	e, _, ok := entry(st.pic, p)
	if !ok {
		m.log.Debug("refs: primary reference not in DPB", "role", params.RefRole(p+1))
		return
	}
	if why := m.stale(st, e); why != "" {
		m.log.Debug("refs: primary reference unusable",
			"role", params.RefRole(p+1), "slot", e.FrameIdx, "reason", why)
		return
	}
	s := m.pool.Slot(e.FrameIdx)
	r.PrimarySlot = e.FrameIdx
	if !st.pic.DisableFrameEndUpdateCDF && s.CDF != nil {
		r.CDF = CDFFromPrimary
		r.InheritCDF = s.CDF
	}
	r.SegmentMapInheritable = s.MiCols == st.miCols && s.MiRows == st.miRows &&
		s.SegmentationEnabled && s.SegmentMap != nil
	if r.SegmentMapInheritable {
		r.InheritedSegmentMap = s.SegmentMap
	}
}

// setupDisplayOrder derives the display order from the order hint walk.
func (m *Manager) setupDisplayOrder(st *frameState, r *FrameRefs) {
	if st.pic.FrameType == params.KeyFrame || m.frames == 0 {
		r.DisplayOrder = m.frames
	} else {
		r.DisplayOrder = m.prevDisplayOrder + st.oh.RelativeDist(st.pic.OrderHint, m.prevOrderHint)
	}
}

// commit overwrites the current frame's slot.
func (m *Manager) commit(st *frameState, r *FrameRefs, b Buffers) Buffers {
	s := m.pool.Slot(st.pic.FrameIdx)
	old := s.Buffers.replaced(b)
	s.Buffers = b
	s.FrameIdx = st.pic.FrameIdx
	s.UsedAsRef = !st.pic.NonReference
	s.Width, s.Height = st.width, st.height
	s.OrderHint = st.pic.OrderHint
	s.MiCols, s.MiRows = st.miCols, st.miRows
	s.SegmentationEnabled = st.pic.Segmentation.Enabled
	s.DisplayOrder = r.DisplayOrder
	s.RefList = append(s.RefList[:0], r.DPB...)
	s.Generation++

	m.frames++
	m.prevDisplayOrder = r.DisplayOrder
	m.prevOrderHint = st.pic.OrderHint
	m.epoch++
	return old
}
