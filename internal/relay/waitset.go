package relay

// waitSet is every handle the loop currently waits on, plus whether the operator
// listener holds an accept token.
type waitSet struct {
	cads      map[Handle]*cadSession
	operators map[Handle]*operatorSession

	// operatorListener is true while an accept token is outstanding.
	operatorListener bool
	// paused mirrors the last admission state that was logged.
	paused bool
}

func newWaitSet() *waitSet {
	return &waitSet{
		cads:      make(map[Handle]*cadSession),
		operators: make(map[Handle]*operatorSession),
	}
}

func (w *waitSet) addCAD(cs *cadSession) {
	w.cads[cs.handle] = cs
}

func (w *waitSet) removeCAD(h Handle) {
	delete(w.cads, h)
}

func (w *waitSet) addOperator(sess *operatorSession) {
	w.operators[sess.handle] = sess
}

func (w *waitSet) removeOperator(h Handle) {
	delete(w.operators, h)
}

// unidentified counts operator sessions still inside the identification window.
func (w *waitSet) unidentified() int {
	n := 0
	for _, sess := range w.operators {
		if sess.op == nil {
			n++
		}
	}
	return n
}

func (w *waitSet) pendingDeliveries() int {
	n := 0
	for _, sess := range w.operators {
		n += len(sess.queue)
	}
	return n
}

// closeAll tears down every tracked session for process shutdown.
func (w *waitSet) closeAll() {
	for h, sess := range w.operators {
		for _, d := range sess.queue {
			d.stopTimer()
		}
		sess.stopIdentTimer()
		sess.close()
		delete(w.operators, h)
	}
	for h, cs := range w.cads {
		cs.close()
		delete(w.cads, h)
	}
}
