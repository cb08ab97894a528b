package queue

import (
	"container/list"
	"sync"
)

// Cmd is a command posted to a CmdThread.
type Cmd int

const (
	CmdNone Cmd = iota
	CmdStartDataProc
	CmdStopDataProc
	CmdDoNextJob
	CmdExit
)

func (c Cmd) String() string {
	switch c {
	case CmdStartDataProc:
		return "start"
	case CmdStopDataProc:
		return "stop"
	case CmdDoNextJob:
		return "next"
	case CmdExit:
		return "exit"
	default:
		return "none"
	}
}

// A RoutineFunc drains commands from t until it receives CmdExit.
type RoutineFunc func(t *CmdThread)

// CmdThread runs a single worker goroutine fed by a command FIFO. Posting a
// command wakes the worker; a synchronous post blocks until the worker calls
// SyncDone.
type CmdThread struct {
	mu   sync.Mutex
	cond *sync.Cond
	cmds *list.List

	// Serializes synchronous senders so SyncDone pairs with one waiter.
	syncMu sync.Mutex
	syncCh chan struct{}

	// Closed when the routine returns.
	terminated chan struct{}
}

func NewCmdThread() *CmdThread {
	t := &CmdThread{
		cmds:   list.New(),
		syncCh: make(chan struct{}, 1),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Launch starts routine in its own goroutine. It panics if the thread is
// already running.
func (t *CmdThread) Launch(routine RoutineFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated != nil {
		panic("queue.CmdThread: already running")
	}
	terminated := make(chan struct{})
	t.terminated = terminated

	go func() {
		defer close(terminated)
		routine(t)
	}()
}

// Running reports whether a routine has been launched and not yet exited.
func (t *CmdThread) Running() bool {
	t.mu.Lock()
	terminated := t.terminated
	t.mu.Unlock()

	if terminated == nil {
		return false
	}
	select {
	case <-terminated:
		return false
	default:
		return true
	}
}

// SendCmd posts cmd. Priority commands jump ahead of queued ones. When sync
// is set, SendCmd returns only after the routine calls SyncDone.
func (t *CmdThread) SendCmd(cmd Cmd, sync, priority bool) {
	if sync {
		t.syncMu.Lock()
		defer t.syncMu.Unlock()
	}

	t.mu.Lock()
	if priority {
		t.cmds.PushFront(cmd)
	} else {
		t.cmds.PushBack(cmd)
	}
	t.cond.Signal()
	t.mu.Unlock()

	if sync {
		<-t.syncCh
	}
}

// WaitCmd blocks until a command is available and returns it.
func (t *CmdThread) WaitCmd() Cmd {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.cmds.Len() == 0 {
		t.cond.Wait()
	}
	return t.cmds.Remove(t.cmds.Front()).(Cmd)
}

// SyncDone releases the sender blocked in a synchronous SendCmd.
func (t *CmdThread) SyncDone() {
	select {
	case t.syncCh <- struct{}{}:
	default:
	}
}

// Exit posts CmdExit and waits for the routine to return. It is a no-op if
// nothing is running.
func (t *CmdThread) Exit() {
	t.mu.Lock()
	terminated := t.terminated
	t.mu.Unlock()
	if terminated == nil {
		return
	}

	t.SendCmd(CmdExit, false, false)
	<-terminated

	t.mu.Lock()
	t.terminated = nil
	t.cmds.Init()
	t.mu.Unlock()
}
