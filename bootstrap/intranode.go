package bootstrap

// IntraNodeAllGather implements spec.md §4.8: for i in [1, nranks), send
// own slice to (rank+i) mod nranks with tag=i, receive from (rank-i) mod
// nranks with tag=i. Like Barrier, ranks/rank/nranks index a possibly
// narrower subgroup than the full communicator.
func (s *State) IntraNodeAllGather(ranks []int, rank, nranks int, data []byte, size int) error {
	if nranks == 1 {
		return nil
	}
	for i := 1; i < nranks; i++ {
		src := mod(rank-i, nranks)
		dst := mod(rank+i, nranks)
		if err := s.Send(ranks[dst], i, data[rank*size:(rank+1)*size]); err != nil {
			return err
		}
		n, err := s.Recv(ranks[src], i, data[src*size:(src+1)*size])
		if err != nil {
			return err
		}
		if n != size {
			return wrap(ErrInternalError, ErrInternalError, "bootstrap: IntraNodeAllGather recv truncated")
		}
	}
	return nil
}

// IntraNodeBroadcast implements spec.md §4.8: root sends to every
// non-root rank with tag = ranks[peer]; non-roots receive one message
// with tag = ranks[rank].
func (s *State) IntraNodeBroadcast(ranks []int, rank, nranks, root int, data []byte) error {
	if nranks == 1 {
		return nil
	}
	if rank == root {
		for i := 0; i < nranks; i++ {
			if i == root {
				continue
			}
			if err := s.Send(ranks[i], ranks[i], data); err != nil {
				return err
			}
		}
		return nil
	}
	n, err := s.Recv(ranks[root], ranks[rank], data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return wrap(ErrInternalError, ErrInternalError, "bootstrap: IntraNodeBroadcast recv truncated")
	}
	return nil
}
