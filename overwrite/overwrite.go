// Package overwrite provides a lossy single-slot bridge between a producer
// and a possibly slow consumer: while the consumer is not ready, a newly
// produced item overwrites the one waiting. It is used where only the
// latest state matters, such as publishing the most recent snapshot to an
// observer.
package overwrite

// SendAll forwards items from src to dst, holding at most one item in
// flight. If an item is waiting to be delivered when a new one arrives,
// the waiting item is discarded. For example, the produced sequence
// 1,2,3,4,5,6,7 may be consumed as 1,2,5,7.
//
// Once src is closed, any held item is still delivered, then dst is closed.
// The last item the producer ever sent is therefore always delivered,
// unless the consumer stops reading first.
//
// NOTE: This MUST be run as a goroutine.
func SendAll[T any](dst chan<- T, src <-chan T) {
	defer close(dst)

	var held T
	haveHeld := false
	overwritten := 0

	defer func() {
		if overwritten > 0 {
			log.Tracef("Overwrite bridge closing, %d items "+
				"were overwritten", overwritten)
		}
	}()

	for {
		if !haveHeld {
			item, ok := <-src
			if !ok {
				return
			}
			held = item
			haveHeld = true
			continue
		}

		select {
		case item, ok := <-src:
			if !ok {
				// Drain: deliver the held item before
				// closing.
				dst <- held
				return
			}
			// We discard the previous item and store the new one.
			held = item
			overwritten++

		case dst <- held:
			haveHeld = false
		}
	}
}

// Channel returns a connected producer/consumer pair bridged by SendAll.
func Channel[T any]() (chan<- T, <-chan T) {
	src := make(chan T)
	dst := make(chan T)

	go SendAll(dst, src)

	return src, dst
}
