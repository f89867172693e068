package bootstrap

// Barrier implements the Hensgen/Finkel/Manber dissemination barrier of
// spec.md §4.7 in ⌈log₂ nranks⌉ rounds of tagged Send/Recv. ranks maps a
// local index in [0, nranks) to the peer index this State's Send/Recv
// understands; rank is the caller's own local index into ranks. This
// indirection is what lets the same State serve a Barrier over a subset
// of peers (e.g. the intra-node collectives in intranode.go) as well as the full
// group. Barrier never touches the ring sockets.
func (s *State) Barrier(ranks []int, rank, nranks int, tag int) error {
	if nranks == 1 {
		return nil
	}
	var data [1]byte
	for mask := 1; mask < nranks; mask <<= 1 {
		dst := ranks[mod(rank+mask, nranks)]
		src := ranks[mod(rank-mask, nranks)]
		if err := s.Send(dst, tag, data[:]); err != nil {
			return err
		}
		if _, err := s.Recv(src, tag, data[:]); err != nil {
			return err
		}
	}
	return nil
}
