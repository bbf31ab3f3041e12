package stm

// Basis of inspiration: https://blogtitle.github.io/go-advanced-concurrency-patterns-part-3-channels/#read-write-mutexes
//
// The subscription registry (conditional.go) is read far more often than it is written
// (every commit that changes cells intersects its trigger set against it; only registration,
// cancellation and the re-indexing of a subscription that fired write to it), so it gets the same channel-based read/write gate the store keyed its record
// maps on, rather than a plain sync.RWMutex.

type rwGate struct {
	writer  chan struct{}
	readers chan uint
}

func makeGate() rwGate {
	return rwGate{
		writer:  make(chan struct{}, 1),
		readers: make(chan uint, 1),
	}
}

func (m rwGate) Lock() {
	// There's only room if no other writer or readers are holding the lock.
	m.writer <- struct{}{}
}

func (m rwGate) Unlock() {
	<-m.writer
}

func (m rwGate) RLock() {
	var readers uint
	select {
	case m.writer <- struct{}{}:
		// We have no readers and no other writer.
	case readers = <-m.readers:
		// We have other readers.
	}
	readers++
	m.readers <- readers
}

func (m rwGate) RUnlock() {
	readers := <-m.readers
	readers--
	if readers == 0 {
		<-m.writer
		return
	}
	m.readers <- readers
}
