package pktio

// Scheduler polls a set of input queues round-robin.
// It is owned by a single receiving goroutine.
type Scheduler struct {
	queues []InQueue
	next   int
}

func NewScheduler(queues []InQueue) *Scheduler {
	return &Scheduler{queues: queues}
}

// Recv fills pkts from the first non-empty queue, starting after the queue
// polled last. It never blocks.
func (s *Scheduler) Recv(pkts []*Packet) int {
	for range s.queues {
		q := s.queues[s.next]
		s.next++
		if s.next == len(s.queues) {
			s.next = 0
		}
		if n := q.Recv(pkts); n > 0 {
			return n
		}
	}
	return 0
}

// Len returns the number of scheduled queues.
func (s *Scheduler) Len() int { return len(s.queues) }
