package cnc

// Diagnostic region layout shared by all workers. Counters are written at
// housekeeping only; readers see them eventually.
const (
	DiagInBackp = iota
	DiagBackpCnt
	DiagPubCnt
	DiagPubSz
	DiagFiltCnt
	DiagFiltSz
	DiagOvrnpCnt
	DiagOvrnrCnt
	DiagChunkIdx

	// raw ring index snapshots
	DiagFillProd
	DiagFillCons
	DiagRingProd
	DiagRingCons
	DiagComplProd
	DiagComplCons

	// kernel socket statistics
	DiagKernRxDropped
	DiagKernRxInvalid
	DiagKernTxInvalid
	DiagKernRxRingFull
	DiagKernFillEmpty
	DiagKernTxRingEmpty

	DiagCnt
)

var diagNames = [DiagCnt]string{
	DiagInBackp:         "in_backp",
	DiagBackpCnt:        "backp_cnt",
	DiagPubCnt:          "pub_cnt",
	DiagPubSz:           "pub_sz",
	DiagFiltCnt:         "filt_cnt",
	DiagFiltSz:          "filt_sz",
	DiagOvrnpCnt:        "ovrnp_cnt",
	DiagOvrnrCnt:        "ovrnr_cnt",
	DiagChunkIdx:        "chunk_idx",
	DiagFillProd:        "fill_prod",
	DiagFillCons:        "fill_cons",
	DiagRingProd:        "ring_prod",
	DiagRingCons:        "ring_cons",
	DiagComplProd:       "compl_prod",
	DiagComplCons:       "compl_cons",
	DiagKernRxDropped:   "rx_dropped",
	DiagKernRxInvalid:   "rx_invalid",
	DiagKernTxInvalid:   "tx_invalid",
	DiagKernRxRingFull:  "rx_ring_full",
	DiagKernFillEmpty:   "fill_empty",
	DiagKernTxRingEmpty: "tx_ring_empty",
}

// DiagName returns the printable name of a diagnostic slot.
func DiagName(i int) string {
	if i < 0 || i >= DiagCnt {
		return ""
	}
	return diagNames[i]
}

// Snapshot is a copy of a register taken without synchronization.
type Snapshot struct {
	Signal    Signal
	Heartbeat int64
	Diag      [DiagCnt]uint64
}

func (c *Cnc) Snapshot() Snapshot {
	s := Snapshot{Signal: c.Query(), Heartbeat: c.HeartbeatQuery()}
	for i := range s.Diag {
		s.Diag[i] = c.Diag(i)
	}
	return s
}
